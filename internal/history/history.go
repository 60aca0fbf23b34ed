// Package history persists an append-only ledger of transfer lifecycle
// events. The in-memory registry is authoritative for live state; this ledger
// exists so operators can audit what ran after the process exits.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	EventAdded        = "added"
	EventCompleted    = "completed"
	EventSeedingStop  = "seeding_stopped"
	EventErrored      = "errored"
	EventRemoved      = "removed"
	EventFilesDeleted = "removed_with_files"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS transfer_events (
	id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	total_bytes INTEGER NOT NULL DEFAULT 0,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	ratio REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfer_events_fingerprint ON transfer_events(fingerprint);
`

// Event is one persisted ledger row.
type Event struct {
	ID          string
	Fingerprint string
	Name        string
	TotalBytes  int64
	Event       string
	Detail      string
	Ratio       float64
	CreatedAt   time.Time
}

// Open opens (or creates) the ledger database at the given path and ensures
// parent directories exist.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// sqlite tolerates one writer; the ledger is low-volume.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return db, nil
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createEventsTable); err != nil {
		return fmt.Errorf("create transfer_events table: %w", err)
	}
	return nil
}

func (s *Store) append(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transfer_events (id, fingerprint, name, total_bytes, event, detail, ratio, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		ev.Fingerprint,
		ev.Name,
		ev.TotalBytes,
		ev.Event,
		ev.Detail,
		ev.Ratio,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer event: %w", err)
	}
	return nil
}

func (s *Store) TransferAdded(ctx context.Context, fingerprint, name string, totalBytes int64, savePath string) error {
	return s.append(ctx, Event{
		Fingerprint: fingerprint,
		Name:        name,
		TotalBytes:  totalBytes,
		Event:       EventAdded,
		Detail:      savePath,
	})
}

func (s *Store) TransferCompleted(ctx context.Context, fingerprint string) error {
	return s.append(ctx, Event{Fingerprint: fingerprint, Event: EventCompleted})
}

func (s *Store) SeedingStopped(ctx context.Context, fingerprint string, ratio float64, reason string) error {
	return s.append(ctx, Event{
		Fingerprint: fingerprint,
		Event:       EventSeedingStop,
		Detail:      reason,
		Ratio:       ratio,
	})
}

func (s *Store) TransferErrored(ctx context.Context, fingerprint, message string) error {
	return s.append(ctx, Event{Fingerprint: fingerprint, Event: EventErrored, Detail: message})
}

func (s *Store) TransferRemoved(ctx context.Context, fingerprint string, deletedFiles bool) error {
	kind := EventRemoved
	if deletedFiles {
		kind = EventFilesDeleted
	}
	return s.append(ctx, Event{Fingerprint: fingerprint, Event: kind})
}

// List returns the most recent events, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, fingerprint, name, total_bytes, event, detail, ratio, created_at
FROM transfer_events
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfer events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.ID,
			&ev.Fingerprint,
			&ev.Name,
			&ev.TotalBytes,
			&ev.Event,
			&ev.Detail,
			&ev.Ratio,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
