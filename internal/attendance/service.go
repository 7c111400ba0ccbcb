package attendance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"faceattend/internal/model"
)

// Verifier compares a reference image with a fresh capture.
type Verifier interface {
	Compare(ctx context.Context, reference, candidate string) model.Outcome
}

// Ledger is the attendance store the workflow reads and appends to.
type Ledger interface {
	Student(id string) (model.Student, error)
	HasPresentRecord(studentID, sessionID string) bool
	Append(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, error)
}

// Schedule resolves the session open for check-in.
type Schedule interface {
	Active(now time.Time) (model.ClassSession, bool)
}

// AcceptedFunc is notified after a present record was written.
type AcceptedFunc func(ctx context.Context, rec model.AttendanceRecord, capture string)

// Service runs verification attempts and keeps track of the one that is
// authoritative for each student.
type Service struct {
	ledger   Ledger
	schedule Schedule
	verifier Verifier

	threshold  float64
	timeout    time.Duration
	ttl        time.Duration
	now        func() time.Time
	onAccepted AcceptedFunc

	mu       sync.Mutex
	attempts map[string]*Attempt
	current  map[string]string // student id -> attempt id
}

// Option customizes a Service.
type Option func(*Service)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t float64) Option { return func(s *Service) { s.threshold = t } }

// WithVerifyTimeout bounds each oracle call.
func WithVerifyTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// WithAttemptTTL sets how long attempts stay addressable.
func WithAttemptTTL(d time.Duration) Option { return func(s *Service) { s.ttl = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithAcceptedHook registers fn to run after every accepted check-in.
func WithAcceptedHook(fn AcceptedFunc) Option { return func(s *Service) { s.onAccepted = fn } }

// NewService wires the workflow to its collaborators.
func NewService(l Ledger, schedule Schedule, v Verifier, opts ...Option) *Service {
	s := &Service{
		ledger:    l,
		schedule:  schedule,
		verifier:  v,
		threshold: DefaultThreshold,
		timeout:   20 * time.Second,
		ttl:       15 * time.Minute,
		now:       time.Now,
		attempts:  make(map[string]*Attempt),
		current:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin starts a new attempt for studentID. Any earlier attempt of the same
// student stops being authoritative. The returned attempt is either waiting
// for a capture or already in a terminal state that needs no capture.
func (s *Service) Begin(ctx context.Context, studentID string) *Attempt {
	now := s.now()
	a := &Attempt{
		ID:        uuid.NewString(),
		StudentID: studentID,
		CreatedAt: now,
		svc:       s,
		state:     StateIdle,
	}

	s.mu.Lock()
	s.pruneLocked(now)
	prevID := s.current[studentID]
	prev := s.attempts[prevID]
	s.attempts[a.ID] = a
	s.current[studentID] = a.ID
	s.mu.Unlock()

	if prev != nil {
		prev.abandon()
	}

	a.mu.Lock()
	a.prepareLocked(ctx, now)
	a.mu.Unlock()
	return a
}

// Attempt returns a live attempt by id.
func (s *Service) Attempt(id string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return a, nil
}

func (s *Service) isCurrent(a *Attempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[a.StudentID] == a.ID
}

func (s *Service) forget(a *Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current[a.StudentID] == a.ID {
		delete(s.current, a.StudentID)
	}
}

func (s *Service) pruneLocked(now time.Time) {
	for id, a := range s.attempts {
		if now.Sub(a.CreatedAt) <= s.ttl {
			continue
		}
		delete(s.attempts, id)
		if s.current[a.StudentID] == id {
			delete(s.current, a.StudentID)
		}
	}
}
