// Package anacrolix adapts github.com/anacrolix/torrent to the engine port.
package anacrolix

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	torrentstorage "github.com/anacrolix/torrent/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"seedwarden/internal/descriptor"
	"seedwarden/internal/engine"
)

// defaultMaxConns bounds established peer connections per transfer and is the
// value restored when a hard-paused transfer resumes.
const defaultMaxConns = 50

// minBurst keeps limiter bursts above the peer-wire chunk size so a capped
// session can still transfer whole chunks.
const minBurst = 256 << 10

type Config struct {
	DataDir        string
	PortLow        int
	PortHigh       int
	DHT            bool
	PEX            bool
	PortForwarding bool // UPnP / NAT-PMP
	UploadKBps     int  // 0 = unlimited
	DownloadKBps   int  // 0 = unlimited
	Logger         *logrus.Logger
}

// Session owns the process-wide anacrolix client.
type Session struct {
	client      *torrent.Client
	store       torrentstorage.ClientImplCloser
	faults      *faultLog
	dataDir     string
	upLimiter   *rate.Limiter
	downLimiter *rate.Limiter
	logger      *logrus.Logger

	mu        sync.Mutex
	transfers map[string]*transfer
}

// transfer carries the previous poll sample so Poll can emit deltas.
type transfer struct {
	t            *torrent.Torrent
	name         string
	savePath     string
	paused       bool
	verifying    bool
	manualVerify bool
	completed    bool

	lastAt      time.Time
	lastRead    int64
	lastWritten int64
	lastPeers   int
	lastRateDL  int64
	lastRateUL  int64
}

type handle struct{ fp string }

func (h handle) Fingerprint() string { return h.fp }

// New constructs the engine session, walking the configured port range until
// a listen port binds. Fails when the whole range is unavailable.
func New(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.PortHigh < cfg.PortLow {
		cfg.PortHigh = cfg.PortLow
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine init: create data dir: %w", err)
	}

	up := newLimiter(cfg.UploadKBps * 1024)
	down := newLimiter(cfg.DownloadKBps * 1024)

	// Piece writes go through the fault log so a full disk surfaces as a
	// poll event instead of silent engine-internal retries.
	faults := newFaultLog()
	store := newFaultingStorage(torrentstorage.NewFile(cfg.DataDir), faults)

	var client *torrent.Client
	var lastErr error
	for port := cfg.PortLow; port <= cfg.PortHigh; port++ {
		cc := torrent.NewDefaultClientConfig()
		cc.DataDir = cfg.DataDir
		cc.Seed = true
		cc.NoDHT = !cfg.DHT
		cc.DisablePEX = !cfg.PEX
		cc.NoDefaultPortForwarding = !cfg.PortForwarding
		cc.ListenPort = port
		cc.UploadRateLimiter = up
		cc.DownloadRateLimiter = down
		cc.DefaultStorage = store

		c, err := torrent.NewClient(cc)
		if err != nil {
			lastErr = err
			cfg.Logger.Warnf("engine: listen port %d unavailable: %v", port, err)
			continue
		}
		client = c
		cfg.Logger.Infof("engine session listening on port %d, data dir %s", port, cfg.DataDir)
		break
	}
	if client == nil {
		if cerr := store.Close(); cerr != nil {
			cfg.Logger.Warnf("engine: close storage: %v", cerr)
		}
		return nil, fmt.Errorf("engine init: no usable listen port in %d-%d: %w", cfg.PortLow, cfg.PortHigh, lastErr)
	}

	return &Session{
		client:      client,
		store:       store,
		faults:      faults,
		dataDir:     cfg.DataDir,
		upLimiter:   up,
		downLimiter: down,
		logger:      cfg.Logger,
		transfers:   make(map[string]*transfer),
	}, nil
}

func newLimiter(bps int) *rate.Limiter {
	if bps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := bps
	if burst < minBurst {
		burst = minBurst
	}
	return rate.NewLimiter(rate.Limit(bps), burst)
}

func (s *Session) Begin(d *descriptor.Descriptor, savePath string) (engine.Handle, error) {
	mi, err := metainfo.Load(bytes.NewReader(d.Bytes))
	if err != nil {
		return nil, fmt.Errorf("engine rejected descriptor: %w", err)
	}

	spec := torrent.TorrentSpecFromMetaInfo(mi)
	if savePath != "" && savePath != s.dataDir {
		if err := os.MkdirAll(savePath, 0o755); err != nil {
			return nil, fmt.Errorf("create save path: %w", err)
		}
		spec.Storage = newFaultingStorage(torrentstorage.NewFile(savePath), s.faults)
	} else {
		savePath = s.dataDir
	}

	t, _, err := s.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("begin transfer: %w", err)
	}
	// Info bytes came with the spec, so this does not block on peers.
	<-t.GotInfo()
	t.DownloadAll()

	s.mu.Lock()
	s.transfers[d.Fingerprint] = &transfer{t: t, name: d.Name, savePath: savePath}
	s.mu.Unlock()

	return handle{fp: d.Fingerprint}, nil
}

func (s *Session) Pause(h engine.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.lookup(h)
	if err != nil {
		return err
	}
	// anacrolix has no pause primitive: cutting data transfer and dropping
	// established connections suspends all swarm activity.
	tr.t.DisallowDataDownload()
	tr.t.DisallowDataUpload()
	tr.t.SetMaxEstablishedConns(0)
	tr.paused = true
	return nil
}

func (s *Session) Resume(h engine.Handle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.lookup(h)
	if err != nil {
		return false, err
	}
	tr.t.SetMaxEstablishedConns(defaultMaxConns)
	tr.t.AllowDataUpload()
	tr.t.AllowDataDownload()
	tr.t.DownloadAll()
	tr.paused = false
	// Piece completion state survives a pause in memory, so resume never
	// requires a verification pass here.
	return false, nil
}

func (s *Session) Recheck(h engine.Handle) error {
	s.mu.Lock()
	tr, err := s.lookup(h)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	tr.verifying = true
	tr.manualVerify = true
	tr.completed = false
	t := tr.t
	s.mu.Unlock()

	// VerifyData blocks until every piece is rehashed. The flag holds the
	// verifying signal up until it returns: right after launch the hasher
	// may not have queued any piece yet, and a poll sampling that gap would
	// otherwise report the recheck as already finished.
	go func() {
		t.VerifyData()
		s.mu.Lock()
		tr.manualVerify = false
		s.mu.Unlock()
	}()
	return nil
}

func (s *Session) Stop(h engine.Handle, deleteFiles bool) error {
	s.mu.Lock()
	tr, err := s.lookup(h)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.transfers, h.Fingerprint())
	s.mu.Unlock()

	tr.t.Drop()

	if deleteFiles {
		target := filepath.Join(tr.savePath, tr.name)
		if err := os.RemoveAll(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete downloaded files: %w", err)
		}
	}
	return nil
}

func (s *Session) Poll() []engine.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var events []engine.Event
	for fp, tr := range s.transfers {
		if err := s.faults.take(fp); err != nil {
			events = append(events, engine.Event{Fingerprint: fp, Kind: engine.EventDiskError, Err: fmt.Errorf("piece storage: %w", err)})
		}
		if tr.paused {
			continue
		}
		status := s.sampleLocked(tr, now)

		if status.Verifying && !tr.verifying {
			events = append(events, engine.Event{Fingerprint: fp, Kind: engine.EventVerifyStarted, Status: status})
		}
		if !status.Verifying && tr.verifying {
			events = append(events, engine.Event{Fingerprint: fp, Kind: engine.EventVerifyDone, Status: status})
		}
		tr.verifying = status.Verifying

		if status.BytesMissing == 0 && !tr.completed {
			tr.completed = true
			events = append(events, engine.Event{Fingerprint: fp, Kind: engine.EventCompleted, Status: status})
		} else if status.BytesMissing > 0 && tr.completed {
			// A recheck found gaps.
			tr.completed = false
		}

		if status.Peers != tr.lastPeers {
			events = append(events, engine.Event{Fingerprint: fp, Kind: engine.EventPeerCountChanged, Status: status})
		}
		tr.lastPeers = status.Peers

		events = append(events, engine.Event{Fingerprint: fp, Kind: engine.EventRateSample, Status: status})
	}
	return events
}

func (s *Session) Status(h engine.Handle) (engine.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.lookup(h)
	if err != nil {
		return engine.Status{}, err
	}
	return s.sampleLocked(tr, time.Now()), nil
}

func (s *Session) SetRateLimits(uploadBps, downloadBps int64) {
	applyLimit(s.upLimiter, uploadBps)
	applyLimit(s.downLimiter, downloadBps)
}

func applyLimit(l *rate.Limiter, bps int64) {
	if bps <= 0 {
		l.SetLimit(rate.Inf)
		return
	}
	burst := int(bps)
	if burst < minBurst {
		burst = minBurst
	}
	l.SetLimit(rate.Limit(bps))
	l.SetBurst(burst)
}

func (s *Session) Close() error {
	errs := s.client.Close()
	// The client only closes storage it created itself.
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (s *Session) lookup(h engine.Handle) (*transfer, error) {
	tr, ok := s.transfers[h.Fingerprint()]
	if !ok {
		return nil, fmt.Errorf("unknown engine handle %s", h.Fingerprint())
	}
	return tr, nil
}

// sampleLocked builds a status snapshot and advances the transfer's rate
// sample. Caller holds s.mu.
func (s *Session) sampleLocked(tr *transfer, now time.Time) engine.Status {
	stats := tr.t.Stats()
	read := stats.BytesReadUsefulData.Int64()
	written := stats.BytesWrittenData.Int64()

	if !tr.lastAt.IsZero() {
		if dt := now.Sub(tr.lastAt).Seconds(); dt > 0 {
			tr.lastRateDL = deltaRate(read, tr.lastRead, dt)
			tr.lastRateUL = deltaRate(written, tr.lastWritten, dt)
		}
	}
	tr.lastAt = now
	tr.lastRead = read
	tr.lastWritten = written

	return engine.Status{
		DownloadedBytes: tr.t.BytesCompleted(),
		UploadedBytes:   written,
		DownloadRate:    tr.lastRateDL,
		UploadRate:      tr.lastRateUL,
		Peers:           stats.ActivePeers,
		Seeds:           stats.ConnectedSeeders,
		BytesMissing:    tr.t.BytesMissing(),
		Verifying:       tr.manualVerify || verifying(tr.t),
	}
}

func deltaRate(current, previous int64, dt float64) int64 {
	delta := current - previous
	if delta < 0 {
		delta = 0
	}
	return int64(float64(delta) / dt)
}

func verifying(t *torrent.Torrent) bool {
	n := t.NumPieces()
	for i := 0; i < n; i++ {
		ps := t.PieceState(i)
		if ps.Hashing || ps.QueuedForHash {
			return true
		}
	}
	return false
}

var _ engine.Session = (*Session)(nil)
