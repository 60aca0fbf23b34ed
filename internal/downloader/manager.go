// Package downloader orchestrates peer-to-peer transfers: it owns the
// transfer registry, folds engine events into lifecycle state, reports
// progress and enforces seeding-stop goals.
package downloader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"seedwarden/internal/descriptor"
	"seedwarden/internal/domain"
	"seedwarden/internal/engine"
	"seedwarden/internal/metrics"
)

// Manager is the public control surface over all transfers.
type Manager interface {
	Start(ctx context.Context) error
	Add(ctx context.Context, descriptorBytes []byte, savePath string, goal domain.Goal) (string, error)
	Snapshot(fingerprint string) (domain.Snapshot, error)
	List() []domain.Snapshot
	Pause(fingerprint string) error
	Resume(fingerprint string) error
	Recheck(fingerprint string) error
	StopSeeding(fingerprint string) error
	Remove(fingerprint string, deleteFiles bool) error
	WaitForCompletion(fingerprint string, timeout time.Duration) (bool, error)
	SetRateLimits(uploadBps, downloadBps int64)
	Shutdown()
}

// Ledger receives lifecycle notifications for audit purposes. Implementations
// are called from the event loop; failures are logged, never propagated into
// transfer state.
type Ledger interface {
	TransferAdded(ctx context.Context, fingerprint, name string, totalBytes int64, savePath string) error
	TransferCompleted(ctx context.Context, fingerprint string) error
	SeedingStopped(ctx context.Context, fingerprint string, ratio float64, reason string) error
	TransferErrored(ctx context.Context, fingerprint, message string) error
	TransferRemoved(ctx context.Context, fingerprint string, deletedFiles bool) error
}

type Config struct {
	PollInterval time.Duration
	Logger       *logrus.Logger
	Ledger       Ledger // optional
}

type manager struct {
	cfg     Config
	session engine.Session
	reg     *registry
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc

	wg           sync.WaitGroup
	addWg        sync.WaitGroup
	shutdownOnce sync.Once
}

func NewManager(cfg Config, session engine.Session) Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &manager{
		cfg:     cfg,
		session: session,
		reg:     newRegistry(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the event loop. The loop is the only writer of
// engine-derived record fields.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrShutdown
	}
	if m.cancel != nil {
		return fmt.Errorf("manager already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(loopCtx)
	m.cfg.Logger.Infof("download manager started, polling every %s", m.cfg.PollInterval)
	return nil
}

// Add parses descriptor bytes, registers a record and begins the transfer.
// Re-adding identical bytes returns the existing fingerprint without creating
// new engine state.
func (m *manager) Add(ctx context.Context, descriptorBytes []byte, savePath string, goal domain.Goal) (string, error) {
	// The closed check and the in-flight accounting share one critical
	// section so Shutdown can wait out every add that got past the check.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", domain.ErrShutdown
	}
	m.addWg.Add(1)
	m.mu.Unlock()
	defer m.addWg.Done()

	d, err := descriptor.Parse(descriptorBytes)
	if err != nil {
		return "", err
	}
	if goal.StopMode == "" {
		goal.StopMode = domain.StopAny
	}

	rec := newRecord(d, savePath, goal, m.now())
	if _, inserted := m.reg.insert(d.Fingerprint, rec); !inserted {
		return d.Fingerprint, nil
	}

	handle, err := m.session.Begin(d, savePath)
	if err != nil {
		m.reg.take(d.Fingerprint)
		return "", fmt.Errorf("begin transfer: %w", err)
	}
	rec.mu.Lock()
	if rec.state == domain.StateRemoved {
		// A remove raced the in-flight begin and found no handle to stop,
		// so the late handle is ours to clean up, delete flag included.
		deleteFiles := rec.removeFiles
		rec.mu.Unlock()
		if err := m.session.Stop(handle, deleteFiles); err != nil {
			m.cfg.Logger.WithField("fingerprint", d.Fingerprint).Warnf("stop transfer: %v", err)
		}
		return d.Fingerprint, nil
	}
	rec.handle = handle
	rec.mu.Unlock()

	metrics.TransfersAddedTotal.Inc()
	metrics.ActiveTransfers.Set(float64(m.reg.size()))
	m.cfg.Logger.WithField("fingerprint", d.Fingerprint).
		Infof("transfer added: %s (%s)", d.Name, formatBytes(d.TotalBytes))
	if m.cfg.Ledger != nil {
		if err := m.cfg.Ledger.TransferAdded(ctx, d.Fingerprint, d.Name, d.TotalBytes, savePath); err != nil {
			m.cfg.Logger.Warnf("ledger add entry: %v", err)
		}
	}
	return d.Fingerprint, nil
}

// Pause suspends an active download. Pausing a transfer that is already
// paused succeeds; the lifecycle defines no pause from other states.
func (m *manager) Pause(fingerprint string) error {
	rec := m.reg.get(fingerprint)
	if rec == nil {
		return domain.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.state {
	case domain.StatePaused:
		return nil
	case domain.StateDownloading:
	default:
		return fmt.Errorf("%w: pause from %s", domain.ErrInvalidTransition, rec.state)
	}

	if err := m.session.Pause(rec.handle); err != nil {
		return err
	}
	rec.stats.DownloadRate = 0
	rec.stats.UploadRate = 0
	return rec.setState(domain.StatePaused, m.now())
}

// Resume restarts a paused transfer, going through a verification pass when
// the engine flags the on-disk state as stale.
func (m *manager) Resume(fingerprint string) error {
	rec := m.reg.get(fingerprint)
	if rec == nil {
		return domain.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.state {
	case domain.StateDownloading, domain.StateChecking:
		return nil
	case domain.StatePaused:
	default:
		return fmt.Errorf("%w: resume from %s", domain.ErrInvalidTransition, rec.state)
	}

	stale, err := m.session.Resume(rec.handle)
	if err != nil {
		return err
	}
	// Refresh stats immediately instead of waiting out a poll interval.
	if st, serr := m.session.Status(rec.handle); serr == nil {
		rec.applyStatus(st)
	}
	target := domain.StateDownloading
	if stale {
		target = domain.StateChecking
	}
	return rec.setState(target, m.now())
}

// Recheck forces re-verification of on-disk pieces. This is the one path on
// which the completion fraction may decrease.
func (m *manager) Recheck(fingerprint string) error {
	rec := m.reg.get(fingerprint)
	if rec == nil {
		return domain.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state == domain.StateChecking {
		return nil
	}
	if rec.state.Terminal() {
		return fmt.Errorf("%w: recheck from %s", domain.ErrInvalidTransition, rec.state)
	}
	// A paused transfer is invisible to the engine poll, so wake it first or
	// the verification result would never fold back in.
	if rec.state == domain.StatePaused {
		if _, err := m.session.Resume(rec.handle); err != nil {
			return err
		}
	}
	if err := m.session.Recheck(rec.handle); err != nil {
		return err
	}
	return rec.setState(domain.StateChecking, m.now())
}

// StopSeeding ends seeding early and marks the transfer finished. The engine
// is paused rather than stopped so the files remain removable.
func (m *manager) StopSeeding(fingerprint string) error {
	rec := m.reg.get(fingerprint)
	if rec == nil {
		return domain.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.state {
	case domain.StateFinished:
		return nil
	case domain.StateSeeding:
	default:
		return fmt.Errorf("%w: stop seeding from %s", domain.ErrInvalidTransition, rec.state)
	}

	if err := m.session.Pause(rec.handle); err != nil {
		return err
	}
	rec.stats.DownloadRate = 0
	rec.stats.UploadRate = 0
	if err := rec.setState(domain.StateFinished, m.now()); err != nil {
		return err
	}

	metrics.SeedingStopsTotal.WithLabelValues("manual").Inc()
	m.cfg.Logger.WithField("fingerprint", fingerprint).
		Infof("seeding stopped by request: %s (ratio %.2f)", rec.desc.Name, rec.ratio())
	if m.cfg.Ledger != nil {
		if err := m.cfg.Ledger.SeedingStopped(context.Background(), fingerprint, rec.ratio(), "manual"); err != nil {
			m.cfg.Logger.Warnf("ledger seeding-stop entry: %v", err)
		}
	}
	return nil
}

// Remove stops engine activity, optionally deletes downloaded files and
// drops the record. A second remove for the same fingerprint fails with
// ErrNotFound.
func (m *manager) Remove(fingerprint string, deleteFiles bool) error {
	rec := m.reg.take(fingerprint)
	if rec == nil {
		return domain.ErrNotFound
	}

	rec.mu.Lock()
	if rec.handle != nil {
		if err := m.session.Stop(rec.handle, deleteFiles); err != nil {
			m.cfg.Logger.WithField("fingerprint", fingerprint).Warnf("stop transfer: %v", err)
		}
		rec.handle = nil
	} else {
		// Begin may still be in flight; the add path stops its handle once
		// it sees the record removed, honoring this flag.
		rec.removeFiles = deleteFiles
	}
	_ = rec.setState(domain.StateRemoved, m.now())
	rec.mu.Unlock()

	metrics.ActiveTransfers.Set(float64(m.reg.size()))
	m.cfg.Logger.WithField("fingerprint", fingerprint).Info("transfer removed")
	if m.cfg.Ledger != nil {
		if err := m.cfg.Ledger.TransferRemoved(context.Background(), fingerprint, deleteFiles); err != nil {
			m.cfg.Logger.Warnf("ledger remove entry: %v", err)
		}
	}
	return nil
}

// WaitForCompletion blocks until the transfer reaches seeding or finished,
// or the timeout elapses. A timeout is not an error and leaves the transfer
// running.
func (m *manager) WaitForCompletion(fingerprint string, timeout time.Duration) (bool, error) {
	rec := m.reg.get(fingerprint)
	if rec == nil {
		return false, domain.ErrNotFound
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		rec.mu.Lock()
		state := rec.state
		ch := rec.stateCh
		rec.mu.Unlock()

		if state.Complete() {
			return true, nil
		}
		if state == domain.StateRemoved || state == domain.StateError {
			return false, nil
		}
		if timeout <= 0 {
			return false, nil
		}

		select {
		case <-ch:
		case <-deadline:
			return false, nil
		}
	}
}

// Shutdown drains the event loop, stops all engine activity without deleting
// files and releases the engine session. Idempotent.
func (m *manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		cancel := m.cancel
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		m.wg.Wait()
		// In-flight adds finish attaching their handles before the walk
		// below, so no engine transfer outlives the session.
		m.addWg.Wait()

		for _, rec := range m.reg.list() {
			rec.mu.Lock()
			if rec.handle != nil {
				if err := m.session.Stop(rec.handle, false); err != nil {
					m.cfg.Logger.Warnf("stop transfer on shutdown: %v", err)
				}
				rec.handle = nil
			}
			rec.mu.Unlock()
		}
		if err := m.session.Close(); err != nil {
			m.cfg.Logger.Warnf("close engine session: %v", err)
		}
		m.cfg.Logger.Info("download manager stopped")
	})
}

// SetRateLimits adjusts the session-wide transfer rate ceilings in bytes/sec;
// zero means unlimited.
func (m *manager) SetRateLimits(uploadBps, downloadBps int64) {
	m.session.SetRateLimits(uploadBps, downloadBps)
	m.cfg.Logger.Infof("rate limits set: up %d B/s, down %d B/s", uploadBps, downloadBps)
}

// List returns snapshots of all registered transfers, oldest first.
func (m *manager) List() []domain.Snapshot {
	records := m.reg.list()
	out := make([]domain.Snapshot, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		out = append(out, rec.snapshotLocked())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}

var _ Manager = (*manager)(nil)
