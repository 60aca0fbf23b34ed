package domain

// State is the lifecycle state of a transfer record.
type State string

const (
	StateQueued      State = "queued"      // Accepted, engine not yet reporting.
	StateChecking    State = "checking"    // Engine is verifying on-disk pieces.
	StateDownloading State = "downloading" // Actively fetching pieces.
	StatePaused      State = "paused"      // Suspended by explicit pause.
	StateSeeding     State = "seeding"     // Complete, uploading to the swarm.
	StateFinished    State = "finished"    // Seeding goals met or stopped explicitly.
	StateError       State = "error"       // Fatal engine condition; queryable until removed.
	StateRemoved     State = "removed"     // Absorbing state; record is gone from the registry.
)

// validTransitions is the adjacency list of the transfer lifecycle.
// QUEUED -> DOWNLOADING is allowed because a poll cycle can miss a short
// verification phase entirely.
var validTransitions = map[State][]State{
	StateQueued:      {StateChecking, StateDownloading, StateError, StateRemoved},
	StateChecking:    {StateDownloading, StateSeeding, StateError, StateRemoved},
	StateDownloading: {StatePaused, StateSeeding, StateChecking, StateError, StateRemoved},
	StatePaused:      {StateDownloading, StateChecking, StateError, StateRemoved},
	StateSeeding:     {StateFinished, StateChecking, StateError, StateRemoved},
	StateFinished:    {StateRemoved},
	StateError:       {StateRemoved},
	StateRemoved:     {},
}

// CanTransition reports whether moving from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further automatic processing.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError || s == StateRemoved
}

// Complete reports whether the transfer has all pieces on disk.
func (s State) Complete() bool {
	return s == StateSeeding || s == StateFinished
}
