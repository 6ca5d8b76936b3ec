package session

import (
	"time"

	"github.com/roelfdiedericks/dictate/internal/types"
)

// State is the manager's current phase.
type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
	StateEnhancing    State = "enhancing"
	StateBusy         State = "busy" // model load/unload in flight
)

// isValidTransition enforces the allowed edges. Cancellation and failure
// reach idle from any session state.
func isValidTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateRecording || to == StateBusy
	case StateRecording:
		return to == StateTranscribing || to == StateIdle
	case StateTranscribing:
		return to == StateEnhancing || to == StateIdle
	case StateEnhancing:
		return to == StateIdle
	case StateBusy:
		return to == StateIdle
	default:
		return false
	}
}

// StateChange is published on every transition.
type StateChange struct {
	SessionID string // empty for busy transitions
	From      State
	To        State

	// Status is set when a session ends (To == StateIdle): completed,
	// failed or cancelled.
	Status  types.Status
	Failure *types.Failure
	At      time.Time
}

// Handle identifies a started session.
type Handle struct {
	ID        string
	StartedAt time.Time
	Model     types.ModelDescriptor
}
