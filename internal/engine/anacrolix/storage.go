package anacrolix

import (
	"context"
	"sync"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/torrent/metainfo"
	torrentstorage "github.com/anacrolix/torrent/storage"
)

// faultLog collects piece storage failures per transfer. The engine retries
// failed writes internally and never reports them on any handle API, so the
// storage layer is the only place a full disk or revoked mount becomes
// visible. Poll drains the log into disk-error events.
type faultLog struct {
	mu   sync.Mutex
	errs map[string]error
}

func newFaultLog() *faultLog {
	return &faultLog{errs: make(map[string]error)}
}

// record keeps the first failure per fingerprint; follow-up write errors for
// the same transfer are almost always the same root cause repeated per chunk.
func (l *faultLog) record(fp string, err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.errs[fp]; !ok {
		l.errs[fp] = err
	}
}

func (l *faultLog) take(fp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.errs[fp]
	delete(l.errs, fp)
	return err
}

// faultingStorage decorates a storage client so write failures land in the
// fault log, keyed by the torrent's info hash (the transfer fingerprint).
type faultingStorage struct {
	inner  torrentstorage.ClientImplCloser
	faults *faultLog
}

func newFaultingStorage(inner torrentstorage.ClientImplCloser, faults *faultLog) *faultingStorage {
	return &faultingStorage{inner: inner, faults: faults}
}

func (c *faultingStorage) OpenTorrent(ctx context.Context, info *metainfo.Info, infoHash metainfo.Hash) (torrentstorage.TorrentImpl, error) {
	t, err := c.inner.OpenTorrent(ctx, info, infoHash)
	if err != nil {
		return torrentstorage.TorrentImpl{}, err
	}
	fp := infoHash.HexString()
	if inner := t.Piece; inner != nil {
		t.Piece = func(p metainfo.Piece) torrentstorage.PieceImpl {
			return &faultingPiece{inner: inner(p), fp: fp, faults: c.faults}
		}
	}
	if inner := t.PieceWithHash; inner != nil {
		t.PieceWithHash = func(p metainfo.Piece, hash g.Option[[]byte]) torrentstorage.PieceImpl {
			return &faultingPiece{inner: inner(p, hash), fp: fp, faults: c.faults}
		}
	}
	return t, nil
}

func (c *faultingStorage) Close() error { return c.inner.Close() }

type faultingPiece struct {
	inner  torrentstorage.PieceImpl
	fp     string
	faults *faultLog
}

func (p *faultingPiece) ReadAt(b []byte, off int64) (int, error) {
	// Reads of absent data happen routinely during hashing; not a fault.
	return p.inner.ReadAt(b, off)
}

func (p *faultingPiece) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.inner.WriteAt(b, off)
	p.faults.record(p.fp, err)
	return n, err
}

func (p *faultingPiece) MarkComplete() error {
	err := p.inner.MarkComplete()
	p.faults.record(p.fp, err)
	return err
}

func (p *faultingPiece) MarkNotComplete() error { return p.inner.MarkNotComplete() }

func (p *faultingPiece) Completion() torrentstorage.Completion { return p.inner.Completion() }

var _ torrentstorage.ClientImplCloser = (*faultingStorage)(nil)
var _ torrentstorage.PieceImpl = (*faultingPiece)(nil)
