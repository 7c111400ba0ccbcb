package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"faceattend/internal/ledger"
	"faceattend/internal/metrics"
	"faceattend/internal/model"
)

// Attempt is one run of the check-in state machine for one student.
type Attempt struct {
	ID        string
	StudentID string
	CreatedAt time.Time

	svc *Service

	mu         sync.Mutex
	state      State
	session    *model.ClassSession
	message    string
	confidence float64
	record     *model.AttendanceRecord
	abandoned  bool
}

// Result is a point-in-time view of an attempt.
type Result struct {
	AttemptID  string                  `json:"attempt_id"`
	State      State                   `json:"state"`
	Message    string                  `json:"message"`
	Session    *model.ClassSession     `json:"session,omitempty"`
	Confidence float64                 `json:"confidence,omitempty"`
	Record     *model.AttendanceRecord `json:"record,omitempty"`
}

// Result returns the current view of the attempt.
func (a *Attempt) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resultLocked()
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Attempt) resultLocked() Result {
	r := Result{
		AttemptID:  a.ID,
		State:      a.state,
		Message:    a.message,
		Confidence: a.confidence,
	}
	if a.session != nil {
		s := *a.session
		r.Session = &s
	}
	if a.record != nil {
		rec := *a.record
		r.Record = &rec
	}
	return r
}

// prepareLocked is the sessionChecked step: it resolves the active session and
// checks every precondition that can end the attempt before a capture.
func (a *Attempt) prepareLocked(ctx context.Context, now time.Time) {
	s := a.svc
	a.session = nil

	session, ok := s.schedule.Active(now)
	if !ok {
		a.finishLocked(ctx, StateNoActiveSession, msgNoActiveSession)
		return
	}
	a.session = &session

	if s.ledger.HasPresentRecord(a.StudentID, session.ID) {
		a.finishLocked(ctx, StateAlreadyMarked, alreadyMarkedMessage(session))
		return
	}

	student, err := s.ledger.Student(a.StudentID)
	if err != nil {
		a.finishLocked(ctx, StateFailed, msgStudentMissing)
		return
	}
	if _, ok := student.PrimaryReference(); !ok {
		a.finishLocked(ctx, StateProfileMissing, msgProfileMissing)
		return
	}

	a.state = StateAwaitingCapture
	a.message = msgAwaitCapture
}

// Submit is the imageCaptured event. It runs the face comparison against the
// student's first reference image and settles the attempt.
func (a *Attempt) Submit(ctx context.Context, capture string) (Result, error) {
	s := a.svc

	a.mu.Lock()
	if a.abandoned || a.state != StateAwaitingCapture {
		defer a.mu.Unlock()
		return a.resultLocked(), ErrInvalidTransition
	}
	a.state = StateVerifying
	a.message = ""
	a.mu.Unlock()

	student, err := s.ledger.Student(a.StudentID)
	if err != nil {
		return a.settle(ctx, StateFailed, msgStudentMissing)
	}
	reference, ok := student.PrimaryReference()
	if !ok {
		return a.settle(ctx, StateProfileMissing, msgProfileMissing)
	}

	vctx, cancel := context.WithTimeout(ctx, s.timeout)
	outcome := s.verifier.Compare(vctx, reference, capture)
	cancel()

	return a.oracleResponded(ctx, student, outcome, capture)
}

// oracleResponded applies the verdict. A verdict for an attempt that was
// cancelled or superseded meanwhile is dropped without touching the ledger.
func (a *Attempt) oracleResponded(ctx context.Context, student model.Student, outcome model.Outcome, capture string) (Result, error) {
	s := a.svc

	a.mu.Lock()
	if a.abandoned || !s.isCurrent(a) {
		a.abandoned = true
		a.finishLocked(ctx, StateCancelled, msgCancelled)
		res := a.resultLocked()
		a.mu.Unlock()
		slog.Default().InfoContext(ctx, "discarding verdict for abandoned attempt",
			"attempt", a.ID,
			"student", a.StudentID,
		)
		return res, ErrAbandoned
	}

	a.confidence = outcome.Confidence
	if !Accept(outcome, s.threshold) {
		a.finishLocked(ctx, StateRejected, outcome.Reason)
		res := a.resultLocked()
		a.mu.Unlock()
		return res, nil
	}

	sessionID := model.ManualSessionID
	if a.session != nil {
		sessionID = a.session.ID
	}
	rec, err := s.ledger.Append(ctx, model.AttendanceRecord{
		StudentID:  a.StudentID,
		SessionID:  sessionID,
		Timestamp:  s.now(),
		Status:     model.StatusPresent,
		Confidence: outcome.Confidence,
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicate):
		metrics.LedgerDuplicates.Inc()
		msg := msgAlreadyMarked
		if a.session != nil {
			msg = alreadyMarkedMessage(*a.session)
		}
		a.finishLocked(ctx, StateAlreadyMarked, msg)
	case errors.Is(err, ledger.ErrNotFound):
		a.finishLocked(ctx, StateFailed, msgStudentMissing)
	case err != nil:
		slog.Default().ErrorContext(ctx, "failed to append attendance record",
			"attempt", a.ID,
			"student", a.StudentID,
			"session", sessionID,
			"error", err,
		)
		a.finishLocked(ctx, StateFailed, msgSaveFailed)
	default:
		a.record = &rec
		a.finishLocked(ctx, StateAccepted, fmt.Sprintf("Attendance confirmed for %s (confidence %.1f%%).",
			student.FirstName, outcome.Confidence*100))
	}
	res := a.resultLocked()
	a.mu.Unlock()

	if res.State == StateAccepted && s.onAccepted != nil {
		s.onAccepted(ctx, rec, capture)
	}
	return res, nil
}

// Retry returns a rejected attempt to awaiting_capture after re-checking the
// session and the ledger.
func (a *Attempt) Retry(ctx context.Context) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned || a.state != StateRejected || !a.svc.isCurrent(a) {
		return a.resultLocked(), ErrInvalidTransition
	}
	a.confidence = 0
	a.prepareLocked(ctx, a.svc.now())
	return a.resultLocked(), nil
}

// Cancel abandons the attempt. A verification already in flight finishes but
// its verdict is discarded.
func (a *Attempt) Cancel() Result {
	a.abandon()
	a.svc.forget(a)
	return a.Result()
}

func (a *Attempt) abandon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned {
		return
	}
	a.abandoned = true
	if a.state == StateAwaitingCapture || a.state == StateIdle {
		a.state = StateCancelled
		a.message = msgCancelled
		metrics.Attempts.WithLabelValues(string(StateCancelled)).Inc()
	}
}

func (a *Attempt) settle(ctx context.Context, state State, msg string) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finishLocked(ctx, state, msg)
	return a.resultLocked(), nil
}

func (a *Attempt) finishLocked(ctx context.Context, state State, msg string) {
	a.state = state
	a.message = msg
	metrics.Attempts.WithLabelValues(string(state)).Inc()
	slog.Default().InfoContext(ctx, "check-in attempt finished",
		"attempt", a.ID,
		"student", a.StudentID,
		"state", string(state),
	)
}

func alreadyMarkedMessage(s model.ClassSession) string {
	if s.Name == "" {
		return msgAlreadyMarked
	}
	return fmt.Sprintf("Your attendance is already recorded for %s.", s.Name)
}
