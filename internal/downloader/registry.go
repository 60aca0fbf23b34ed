package downloader

import (
	"fmt"
	"sync"
	"time"

	"seedwarden/internal/descriptor"
	"seedwarden/internal/domain"
	"seedwarden/internal/engine"
)

// record is the mutable per-transfer state. The registry owns the map; each
// record carries its own lock so independent transfers never contend.
type record struct {
	mu sync.Mutex

	desc      *descriptor.Descriptor
	savePath  string
	goal      domain.Goal
	handle    engine.Handle
	state     domain.State
	stats     domain.Stats
	completed float64 // fraction in [0,1]
	seedStart time.Time
	createdAt time.Time
	lastErr   string

	// removeFiles holds the delete flag of a remove that arrived before the
	// engine handle was attached.
	removeFiles bool

	// stateCh is closed and replaced on every state change so waiters can
	// block with a deadline, which sync.Cond cannot do.
	stateCh chan struct{}
}

func newRecord(d *descriptor.Descriptor, savePath string, goal domain.Goal, now time.Time) *record {
	return &record{
		desc:      d,
		savePath:  savePath,
		goal:      goal,
		state:     domain.StateQueued,
		createdAt: now,
		stateCh:   make(chan struct{}),
	}
}

// setState validates and applies a lifecycle transition, waking any waiters.
// The seeding-start timestamp is recorded exactly once, at the instant the
// record first enters seeding. Caller holds r.mu.
func (r *record) setState(to domain.State, now time.Time) error {
	if r.state == to {
		return nil
	}
	if !domain.CanTransition(r.state, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, r.state, to)
	}
	r.state = to
	if to == domain.StateSeeding && r.seedStart.IsZero() {
		r.seedStart = now
	}
	close(r.stateCh)
	r.stateCh = make(chan struct{})
	return nil
}

// ratio is uploaded bytes over total content size, so resumed transfers
// credit previously downloaded data. Caller holds r.mu.
func (r *record) ratio() float64 {
	if r.desc.TotalBytes <= 0 {
		return 0
	}
	return float64(r.stats.UploadedBytes) / float64(r.desc.TotalBytes)
}

// registry is the single source of truth for which transfers exist.
type registry struct {
	mu      sync.RWMutex
	records map[string]*record
}

func newRegistry() *registry {
	return &registry{records: make(map[string]*record)}
}

// insert registers rec under fp unless a record already exists. Check and
// insert happen under one lock so racing adds converge on a single record.
func (g *registry) insert(fp string, rec *record) (*record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.records[fp]; ok {
		return existing, false
	}
	g.records[fp] = rec
	return rec, true
}

func (g *registry) get(fp string) *record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.records[fp]
}

// take removes and returns the record, or nil if absent. Removal is atomic
// so of two racing removes exactly one wins.
func (g *registry) take(fp string) *record {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.records[fp]
	delete(g.records, fp)
	return rec
}

func (g *registry) list() []*record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	return out
}

func (g *registry) size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}
