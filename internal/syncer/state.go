package syncer

// State is the phase of the current sync cycle.
type State string

const (
	StateIdle        State = "idle"
	StateUploading   State = "uploading"
	StateDownloading State = "downloading"
	StateReconciling State = "reconciling"
	StateFailed      State = "failed"
)

// transitions lists the allowed moves. Failed is reachable from every
// active state and is left only by starting a new cycle.
var transitions = map[State][]State{
	StateIdle:        {StateUploading},
	StateFailed:      {StateUploading},
	StateUploading:   {StateDownloading, StateFailed},
	StateDownloading: {StateReconciling, StateFailed},
	StateReconciling: {StateDownloading, StateIdle, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is reported to observers on every state change.
type Transition struct {
	From State
	To   State

	// Err is the cause when To is Failed.
	Err error
}
