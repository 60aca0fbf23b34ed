package domain

import "time"

// StopMode selects how multiple seeding goals combine.
type StopMode string

const (
	// StopAny stops seeding as soon as either configured goal is met.
	StopAny StopMode = "any"
	// StopAll stops seeding only once every configured goal is met.
	StopAll StopMode = "all"
)

// Goal is the per-transfer seeding stop configuration. Zero values mean the
// corresponding goal is not set; with neither set the transfer seeds until an
// explicit stop or removal.
type Goal struct {
	TargetRatio  float64       // uploaded bytes / total content size
	SeedDuration time.Duration // elapsed time since entering seeding
	StopMode     StopMode
}

// Configured reports whether any automatic stop condition is set.
func (g Goal) Configured() bool {
	return g.TargetRatio > 0 || g.SeedDuration > 0
}

// Stats is the last-known statistics folded in from the engine.
type Stats struct {
	DownloadedBytes int64
	UploadedBytes   int64
	DownloadRate    int64 // bytes/sec
	UploadRate      int64 // bytes/sec
	Peers           int
	Seeds           int
}

// Snapshot is a point-in-time view of a transfer, computed on demand. ETA is
// nil when the download rate is zero and work remains.
type Snapshot struct {
	Fingerprint string
	Name        string
	State       State
	Completed   float64 // fraction in [0,1]
	TotalBytes  int64
	SavePath    string
	Stats       Stats
	Ratio       float64 // uploaded / total size
	ETA         *time.Duration
	Goal        Goal
	SeedStart   *time.Time
	CreatedAt   time.Time
	Error       string
}
