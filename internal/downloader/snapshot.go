package downloader

import (
	"time"

	"seedwarden/internal/domain"
)

// Snapshot returns a point-in-time view of one transfer.
func (m *manager) Snapshot(fingerprint string) (domain.Snapshot, error) {
	rec := m.reg.get(fingerprint)
	if rec == nil {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked(), nil
}

// snapshotLocked builds the external view of the record. Caller holds r.mu.
func (r *record) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		Fingerprint: r.desc.Fingerprint,
		Name:        r.desc.Name,
		State:       r.state,
		Completed:   r.completed,
		TotalBytes:  r.desc.TotalBytes,
		SavePath:    r.savePath,
		Stats:       r.stats,
		Ratio:       r.ratio(),
		Goal:        r.goal,
		CreatedAt:   r.createdAt,
		Error:       r.lastErr,
	}
	if remaining := r.desc.TotalBytes - r.stats.DownloadedBytes; remaining > 0 && r.stats.DownloadRate > 0 {
		eta := time.Duration(float64(remaining)/float64(r.stats.DownloadRate)) * time.Second
		snap.ETA = &eta
	}
	if !r.seedStart.IsZero() {
		ss := r.seedStart
		snap.SeedStart = &ss
	}
	return snap
}
