// Package engine defines the boundary to the underlying transfer engine. The
// orchestration layer only ever sees this interface; the production adapter
// lives in the anacrolix subpackage and tests use a synthetic implementation.
package engine

import "seedwarden/internal/descriptor"

// Handle identifies one transfer inside an engine session. It is opaque to
// the orchestration layer.
type Handle interface {
	Fingerprint() string
}

// EventKind enumerates the engine conditions folded into registry state.
type EventKind string

const (
	EventVerifyStarted    EventKind = "verify_started"
	EventVerifyDone       EventKind = "verify_done"
	EventPieceVerified    EventKind = "piece_verified"
	EventCompleted        EventKind = "completed"
	EventPeerCountChanged EventKind = "peer_count_changed"
	EventRateSample       EventKind = "rate_sample"
	EventDiskError        EventKind = "disk_error"
	EventFatalError       EventKind = "fatal_error"
)

// Event is one engine occurrence drained via Poll.
type Event struct {
	Fingerprint string
	Kind        EventKind
	Status      Status
	Err         error
}

// Status is the engine's last-known statistics for a transfer.
type Status struct {
	DownloadedBytes int64
	UploadedBytes   int64
	DownloadRate    int64 // bytes/sec
	UploadRate      int64 // bytes/sec
	Peers           int
	Seeds           int
	BytesMissing    int64
	Verifying       bool
}

// Session is a single process-wide handle to the transfer engine. Begin, the
// control operations and Poll are safe for concurrent use; the adapter
// serializes access internally.
type Session interface {
	// Begin starts a transfer and returns its handle.
	Begin(d *descriptor.Descriptor, savePath string) (Handle, error)
	// Pause suspends peer activity for the transfer.
	Pause(h Handle) error
	// Resume re-enables peer activity. The returned flag is true when the
	// engine considers the on-disk state stale and will re-verify first.
	Resume(h Handle) (stale bool, err error)
	// Recheck forces re-verification of all on-disk pieces.
	Recheck(h Handle) error
	// Stop tears the transfer down, optionally deleting downloaded files.
	Stop(h Handle, deleteFiles bool) error
	// Poll drains pending events. Non-blocking.
	Poll() []Event
	// Status reports current statistics for the transfer.
	Status(h Handle) (Status, error)
	// SetRateLimits adjusts the session-wide rate ceilings in bytes/sec;
	// zero means unlimited.
	SetRateLimits(uploadBps, downloadBps int64)
	// Close releases the session. All handles become invalid.
	Close() error
}
