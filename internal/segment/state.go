// Package segment models the unit of work moving through capture, compression
// and publishing.
package segment

import "errors"

// State is the lifecycle state of a segment.
type State string

const (
	StateCapturing      State = "CAPTURING"
	StateCaptureFailed  State = "CAPTURE_FAILED"
	StateCaptured       State = "CAPTURED"
	StateCompressing    State = "COMPRESSING"
	StateCompressFailed State = "COMPRESS_FAILED"
	StateReady          State = "READY"
	StateUploading      State = "UPLOADING"
	StateUploaded       State = "UPLOADED"
	StatePurged         State = "PURGED"
)

// ErrInvalidTransition is returned when a state change is not strictly forward.
var ErrInvalidTransition = errors.New("invalid segment state transition")

// transitions lists every permitted edge.
var transitions = map[State][]State{
	StateCapturing:   {StateCaptured, StateCaptureFailed},
	StateCaptured:    {StateCompressing},
	StateCompressing: {StateReady, StateCompressFailed},
	StateReady:       {StateUploading, StatePurged},
	StateUploading:   {StateUploaded},
	StateUploaded:    {StatePurged},
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failed reports whether s is one of the failure states.
func (s State) Failed() bool {
	return s == StateCaptureFailed || s == StateCompressFailed
}

func (s State) String() string {
	return string(s)
}
