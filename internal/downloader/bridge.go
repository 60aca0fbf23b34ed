package downloader

import (
	"context"
	"time"

	"seedwarden/internal/domain"
	"seedwarden/internal/engine"
	"seedwarden/internal/metrics"
)

// run is the event loop. It is the sole writer of engine-derived record
// fields, so state folding needs no coordination beyond each record's lock.
func (m *manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// One final drain so events raised just before shutdown still
			// land in the registry.
			m.cycle()
			return
		case <-ticker.C:
			m.cycle()
		}
	}
}

// cycle drains the engine, folds each event into its record, then enforces
// seeding goals against the freshly updated state.
func (m *manager) cycle() {
	for _, ev := range m.session.Poll() {
		m.fold(ev)
	}
	m.enforceGoals()
	m.updateGauges()
}

// fold applies a single engine event to its transfer record. Events for
// unknown or terminal transfers are dropped; the engine may race a remove.
func (m *manager) fold(ev engine.Event) {
	rec := m.reg.get(ev.Fingerprint)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state.Terminal() {
		return
	}
	now := m.now()

	switch ev.Kind {
	case engine.EventVerifyStarted:
		if err := rec.setState(domain.StateChecking, now); err != nil {
			m.cfg.Logger.WithField("fingerprint", ev.Fingerprint).Warnf("verify started: %v", err)
		}

	case engine.EventVerifyDone:
		rec.applyStatus(ev.Status)
		target := domain.StateDownloading
		if ev.Status.BytesMissing == 0 {
			target = domain.StateSeeding
		}
		if rec.state == domain.StateChecking {
			if target == domain.StateSeeding {
				m.completeLocked(rec, now)
			} else if err := rec.setState(target, now); err != nil {
				m.cfg.Logger.WithField("fingerprint", ev.Fingerprint).Warnf("verify done: %v", err)
			}
		}

	case engine.EventPieceVerified, engine.EventRateSample, engine.EventPeerCountChanged:
		if rec.state == domain.StatePaused {
			return
		}
		rec.applyStatus(ev.Status)
		if rec.state == domain.StateQueued && !ev.Status.Verifying {
			_ = rec.setState(domain.StateDownloading, now)
		}
		if ev.Status.BytesMissing == 0 && rec.state == domain.StateDownloading {
			m.completeLocked(rec, now)
		}

	case engine.EventCompleted:
		if rec.state == domain.StatePaused {
			return
		}
		rec.applyStatus(ev.Status)
		m.completeLocked(rec, now)

	case engine.EventDiskError, engine.EventFatalError:
		if ev.Err != nil {
			rec.lastErr = ev.Err.Error()
		}
		if err := rec.setState(domain.StateError, now); err != nil {
			return
		}
		metrics.TransferErrorsTotal.Inc()
		m.cfg.Logger.WithField("fingerprint", ev.Fingerprint).
			Errorf("transfer failed: %s", rec.lastErr)
		if m.cfg.Ledger != nil {
			if err := m.cfg.Ledger.TransferErrored(context.Background(), ev.Fingerprint, rec.lastErr); err != nil {
				m.cfg.Logger.Warnf("ledger error entry: %v", err)
			}
		}
	}
}

// completeLocked moves a record to seeding when all data is present. Caller
// holds rec.mu.
func (m *manager) completeLocked(rec *record, now time.Time) {
	if rec.state.Complete() {
		return
	}
	if rec.state == domain.StateQueued {
		// The poll can outrun the first rate sample, so the record may never
		// have seen a downloading sample for data already on disk.
		if err := rec.setState(domain.StateDownloading, now); err != nil {
			return
		}
	}
	if err := rec.setState(domain.StateSeeding, now); err != nil {
		m.cfg.Logger.WithField("fingerprint", rec.desc.Fingerprint).Warnf("complete: %v", err)
		return
	}
	rec.completed = 1

	metrics.TransfersCompletedTotal.Inc()
	m.cfg.Logger.WithField("fingerprint", rec.desc.Fingerprint).
		Infof("transfer complete, seeding: %s", rec.desc.Name)
	if m.cfg.Ledger != nil {
		if err := m.cfg.Ledger.TransferCompleted(context.Background(), rec.desc.Fingerprint); err != nil {
			m.cfg.Logger.Warnf("ledger completion entry: %v", err)
		}
	}
}

// applyStatus folds engine statistics into the record. While downloading the
// completion fraction only moves forward; a verification pass may legitimately
// lower it, which flows through the checking path instead. Caller holds r.mu.
func (r *record) applyStatus(st engine.Status) {
	r.stats = domain.Stats{
		DownloadedBytes: st.DownloadedBytes,
		UploadedBytes:   st.UploadedBytes,
		DownloadRate:    st.DownloadRate,
		UploadRate:      st.UploadRate,
		Peers:           st.Peers,
		Seeds:           st.Seeds,
	}
	frac := 0.0
	if r.desc.TotalBytes > 0 {
		frac = float64(st.DownloadedBytes) / float64(r.desc.TotalBytes)
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	if r.state == domain.StateDownloading && frac < r.completed {
		return
	}
	r.completed = frac
}

func (m *manager) updateGauges() {
	var dl, ul int64
	var peers int
	for _, rec := range m.reg.list() {
		rec.mu.Lock()
		dl += rec.stats.DownloadRate
		ul += rec.stats.UploadRate
		peers += rec.stats.Peers
		rec.mu.Unlock()
	}
	metrics.DownloadRateBytes.Set(float64(dl))
	metrics.UploadRateBytes.Set(float64(ul))
	metrics.PeersConnected.Set(float64(peers))
	metrics.ActiveTransfers.Set(float64(m.reg.size()))
}
