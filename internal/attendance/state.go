package attendance

import (
	"errors"

	"faceattend/internal/model"
)

// State is a step of the verification workflow.
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingCapture State = "awaiting_capture"
	StateVerifying       State = "verifying"
	StateAccepted        State = "accepted"
	StateRejected        State = "rejected"
	StateNoActiveSession State = "no_active_session"
	StateAlreadyMarked   State = "already_marked"
	StateProfileMissing  State = "profile_missing"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether the state ends the attempt.
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateAwaitingCapture, StateVerifying:
		return false
	default:
		return true
	}
}

var (
	// ErrInvalidTransition is returned when an event does not apply to the current state.
	ErrInvalidTransition = errors.New("attempt is not in a state that accepts this action")
	// ErrAttemptNotFound is returned for unknown or expired attempt ids.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrAbandoned is returned when the attempt was cancelled or superseded while verifying.
	ErrAbandoned = errors.New("attempt was abandoned")
)

// DefaultThreshold is the confidence a verified outcome must exceed.
const DefaultThreshold = 0.6

// Accept is the decision rule: the oracle must say verified and be strictly
// more confident than threshold.
func Accept(o model.Outcome, threshold float64) bool {
	return o.Verified && o.Confidence > threshold
}

const (
	msgNoActiveSession = "No session is open for check-in right now."
	msgProfileMissing  = "No face profile is enrolled for your account. Contact the administrator."
	msgStudentMissing  = "Your student profile no longer exists. Contact the administrator."
	msgSaveFailed      = "Your attendance could not be saved. Please try again."
	msgAwaitCapture    = "Face the camera and capture a photo to check in."
	msgCancelled       = "The check-in attempt was cancelled."
	msgAlreadyMarked   = "Your attendance is already recorded for this session."
)
