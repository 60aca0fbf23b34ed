package downloader

import (
	"context"
	"time"

	"seedwarden/internal/domain"
	"seedwarden/internal/metrics"
)

// enforceGoals stops seeding on every transfer whose configured goal is met.
// The engine is paused rather than stopped so the handle stays valid for a
// later remove.
func (m *manager) enforceGoals() {
	now := m.now()
	for _, rec := range m.reg.list() {
		rec.mu.Lock()
		if rec.state != domain.StateSeeding || !rec.goal.Configured() {
			rec.mu.Unlock()
			continue
		}
		ratio := rec.ratio()
		reason, met := goalReached(rec.goal, ratio, now.Sub(rec.seedStart))
		if !met {
			rec.mu.Unlock()
			continue
		}

		if err := m.session.Pause(rec.handle); err != nil {
			m.cfg.Logger.WithField("fingerprint", rec.desc.Fingerprint).Warnf("stop seeding: %v", err)
			rec.mu.Unlock()
			continue
		}
		rec.stats.DownloadRate = 0
		rec.stats.UploadRate = 0
		if err := rec.setState(domain.StateFinished, now); err != nil {
			rec.mu.Unlock()
			continue
		}
		fp, name := rec.desc.Fingerprint, rec.desc.Name
		rec.mu.Unlock()

		metrics.SeedingStopsTotal.WithLabelValues(reason).Inc()
		m.cfg.Logger.WithField("fingerprint", fp).
			Infof("seeding goal met (%s), finished: %s (ratio %.2f)", reason, name, ratio)
		if m.cfg.Ledger != nil {
			if err := m.cfg.Ledger.SeedingStopped(context.Background(), fp, ratio, reason); err != nil {
				m.cfg.Logger.Warnf("ledger seeding-stop entry: %v", err)
			}
		}
	}
}

// goalReached evaluates a seeding goal. In "any" mode the first configured
// condition to hold wins; in "all" mode every configured condition must hold.
// The returned reason names the condition(s) that triggered the stop.
func goalReached(g domain.Goal, ratio float64, seedingFor time.Duration) (string, bool) {
	ratioSet := g.TargetRatio > 0
	timeSet := g.SeedDuration > 0
	ratioMet := ratioSet && ratio >= g.TargetRatio
	timeMet := timeSet && seedingFor >= g.SeedDuration

	if g.StopMode == domain.StopAll {
		if (ratioSet && !ratioMet) || (timeSet && !timeMet) {
			return "", false
		}
		switch {
		case ratioSet && timeSet:
			return "ratio+duration", true
		case ratioSet:
			return "ratio", true
		case timeSet:
			return "duration", true
		}
		return "", false
	}

	if ratioMet {
		return "ratio", true
	}
	if timeMet {
		return "duration", true
	}
	return "", false
}
