// Package descriptor parses transfer descriptor (.torrent) bytes into the
// immutable metadata the orchestration layer keys transfers on.
package descriptor

import (
	"crypto/sha1" // nolint: gosec
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeebo/bencode"

	"seedwarden/internal/domain"
)

// Descriptor is the parsed, immutable metadata of a transfer. Created once at
// add time, never mutated.
type Descriptor struct {
	Fingerprint string // hex sha1 of the raw info dictionary
	Name        string
	TotalBytes  int64
	PieceLength int64
	NumPieces   int
	Files       []File
	Announce    [][]string
	Bytes       []byte // the original descriptor bytes, handed to the engine
}

// File is a single entry in the descriptor's file manifest.
type File struct {
	Path   string
	Length int64
}

type rawDescriptor struct {
	Info         bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
}

type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      []byte    `bencode:"pieces"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Parse decodes descriptor bytes. All failures wrap domain.ErrParse.
func Parse(b []byte) (*Descriptor, error) {
	var raw rawDescriptor
	if err := bencode.DecodeBytes(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrParse, err)
	}
	if len(raw.Info) == 0 {
		return nil, fmt.Errorf("%w: no info dictionary", domain.ErrParse)
	}

	var info rawInfo
	if err := bencode.DecodeBytes(raw.Info, &info); err != nil {
		return nil, fmt.Errorf("%w: info dictionary: %v", domain.ErrParse, err)
	}
	if info.Name == "" {
		return nil, fmt.Errorf("%w: missing name", domain.ErrParse)
	}
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: invalid piece length %d", domain.ErrParse, info.PieceLength)
	}
	if len(info.Pieces) == 0 || len(info.Pieces)%sha1.Size != 0 {
		return nil, fmt.Errorf("%w: piece hashes are not a multiple of %d bytes", domain.ErrParse, sha1.Size)
	}

	files, total, err := manifest(&info)
	if err != nil {
		return nil, err
	}

	numPieces := len(info.Pieces) / sha1.Size
	// The last piece may be short, but piece data must cover the content.
	delta := int64(numPieces)*info.PieceLength - total
	if delta < 0 || delta >= info.PieceLength {
		return nil, fmt.Errorf("%w: piece layout does not match content size", domain.ErrParse)
	}

	sum := sha1.Sum(raw.Info) // nolint: gosec

	d := &Descriptor{
		Fingerprint: hex.EncodeToString(sum[:]),
		Name:        info.Name,
		TotalBytes:  total,
		PieceLength: info.PieceLength,
		NumPieces:   numPieces,
		Files:       files,
		Bytes:       b,
	}
	if len(raw.AnnounceList) > 0 {
		d.Announce = raw.AnnounceList
	} else if raw.Announce != "" {
		d.Announce = [][]string{{raw.Announce}}
	}
	return d, nil
}

func manifest(info *rawInfo) ([]File, int64, error) {
	if len(info.Files) == 0 {
		// Single file mode.
		if info.Length <= 0 {
			return nil, 0, fmt.Errorf("%w: zero files", domain.ErrParse)
		}
		return []File{{Path: info.Name, Length: info.Length}}, info.Length, nil
	}

	files := make([]File, 0, len(info.Files))
	var total int64
	for _, f := range info.Files {
		if len(f.Path) == 0 {
			return nil, 0, fmt.Errorf("%w: file entry without path", domain.ErrParse)
		}
		for _, part := range f.Path {
			if strings.TrimSpace(part) == ".." {
				return nil, 0, fmt.Errorf("%w: invalid file name %q", domain.ErrParse, filepath.Join(f.Path...))
			}
		}
		if f.Length < 0 {
			return nil, 0, fmt.Errorf("%w: negative file length", domain.ErrParse)
		}
		files = append(files, File{Path: filepath.Join(f.Path...), Length: f.Length})
		total += f.Length
	}
	if total <= 0 {
		return nil, 0, fmt.Errorf("%w: zero-byte file manifest", domain.ErrParse)
	}
	return files, total, nil
}
