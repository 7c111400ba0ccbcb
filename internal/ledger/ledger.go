package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"faceattend/internal/model"
	"faceattend/internal/store"
)

var (
	// ErrDuplicate means a present record already exists for the student/session pair.
	ErrDuplicate = errors.New("attendance already recorded for this session")
	// ErrNotFound means the referenced student (or record) does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a uniqueness constraint on the student catalog was violated.
	ErrConflict = errors.New("already registered")
	// ErrInvalid means the input is missing required fields.
	ErrInvalid = errors.New("invalid input")
)

const (
	studentPrefix    = "student:"
	matriculePrefix  = "student-matricule:"
	emailPrefix      = "student-email:"
	attendancePrefix = "attendance:"
	presencePrefix   = "presence:"

	rollbackTimeout = 5 * time.Second
)

// Ledger owns the student catalog and the append-only attendance records.
// State is loaded from the store once in Open and written through on every
// mutation.
type Ledger struct {
	store store.Store
	locks *keyLocks
	now   func() time.Time

	mu       sync.RWMutex
	students map[string]model.Student
	records  []model.AttendanceRecord // oldest first
	present  map[string]string        // presenceKey -> record id
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open rebuilds the ledger from everything durably written to s.
func Open(ctx context.Context, s store.Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:    s,
		locks:    newKeyLocks(),
		now:      time.Now,
		students: make(map[string]model.Student),
		present:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}

	students, err := s.List(ctx, studentPrefix)
	if err != nil {
		return nil, fmt.Errorf("load students: %w", err)
	}
	for _, e := range students {
		var st model.Student
		if err := json.Unmarshal(e.Value, &st); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		l.students[st.ID] = st
	}

	records, err := s.List(ctx, attendancePrefix)
	if err != nil {
		return nil, fmt.Errorf("load attendance: %w", err)
	}
	for _, e := range records {
		var rec model.AttendanceRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		l.records = append(l.records, rec)
		if rec.Status == model.StatusPresent {
			l.present[presenceKey(rec.StudentID, rec.SessionID)] = rec.ID
		}
	}
	sort.Slice(l.records, func(i, j int) bool { return recordLess(l.records[i], l.records[j]) })

	slog.Default().InfoContext(ctx, "ledger loaded",
		"students", len(l.students),
		"records", len(l.records),
	)
	return l, nil
}

// ---------- Students ----------

// RegisterStudent stores a new student, enforcing unique matricule and email.
func (l *Ledger) RegisterStudent(ctx context.Context, st model.Student) (model.Student, error) {
	st.StudentID = strings.TrimSpace(st.StudentID)
	st.Email = strings.TrimSpace(st.Email)
	if st.StudentID == "" || st.Email == "" {
		return model.Student{}, fmt.Errorf("%w: student id and email required", ErrInvalid)
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = model.StudentActive
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = l.now().UTC()
	}

	matKey := matriculePrefix + strings.ToLower(st.StudentID)
	ok, err := l.store.PutIfAbsent(ctx, matKey, []byte(st.ID))
	if err != nil {
		return model.Student{}, err
	}
	if !ok {
		return model.Student{}, fmt.Errorf("%w: student id %s", ErrConflict, st.StudentID)
	}
	emailKey := emailPrefix + strings.ToLower(st.Email)
	ok, err = l.store.PutIfAbsent(ctx, emailKey, []byte(st.ID))
	if err != nil || !ok {
		_ = l.store.Delete(ctx, matKey)
		if err != nil {
			return model.Student{}, err
		}
		return model.Student{}, fmt.Errorf("%w: email %s", ErrConflict, st.Email)
	}

	if err := l.putStudent(ctx, st); err != nil {
		_ = l.store.Delete(ctx, matKey)
		_ = l.store.Delete(ctx, emailKey)
		return model.Student{}, err
	}
	return st, nil
}

// AddReferenceImage appends a reference image to the student's enrollment.
func (l *Ledger) AddReferenceImage(ctx context.Context, studentID, image string) (model.Student, error) {
	if image == "" {
		return model.Student{}, fmt.Errorf("%w: image required", ErrInvalid)
	}
	unlock := l.locks.Lock(studentPrefix + studentID)
	defer unlock()

	st, err := l.Student(studentID)
	if err != nil {
		return model.Student{}, err
	}
	st.ReferenceImages = append(append([]string(nil), st.ReferenceImages...), image)
	if err := l.putStudent(ctx, st); err != nil {
		return model.Student{}, err
	}
	return st, nil
}

func (l *Ledger) putStudent(ctx context.Context, st model.Student) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, studentPrefix+st.ID, raw); err != nil {
		return fmt.Errorf("persist student: %w", err)
	}
	l.mu.Lock()
	l.students[st.ID] = st
	l.mu.Unlock()
	return nil
}

// Student returns a student by internal id.
func (l *Ledger) Student(id string) (model.Student, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.students[id]
	if !ok {
		return model.Student{}, fmt.Errorf("student %s: %w", id, ErrNotFound)
	}
	return st, nil
}

// StudentByEmail looks a student up by email, ignoring case.
func (l *Ledger) StudentByEmail(email string) (model.Student, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, st := range l.students {
		if strings.ToLower(st.Email) == email {
			return st, nil
		}
	}
	return model.Student{}, fmt.Errorf("student %s: %w", email, ErrNotFound)
}

// ListStudents returns every student in registration order.
func (l *Ledger) ListStudents() []model.Student {
	l.mu.RLock()
	out := make([]model.Student, 0, len(l.students))
	for _, st := range l.students {
		out = append(out, st)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SearchStudents filters ListStudents by a case-insensitive match on "first last".
func (l *Ledger) SearchStudents(q string) []model.Student {
	q = strings.ToLower(strings.TrimSpace(q))
	all := l.ListStudents()
	if q == "" {
		return all
	}
	out := all[:0]
	for _, st := range all {
		if strings.Contains(strings.ToLower(st.FirstName+" "+st.LastName), q) {
			out = append(out, st)
		}
	}
	return out
}

// DeleteStudent removes the student's identity and uniqueness entries.
// Attendance records referencing the student are kept for audit.
func (l *Ledger) DeleteStudent(ctx context.Context, id string) error {
	unlock := l.locks.Lock(studentPrefix + id)
	defer unlock()

	st, err := l.Student(id)
	if err != nil {
		return err
	}
	if err := l.store.Delete(ctx, studentPrefix+id); err != nil {
		return fmt.Errorf("delete student: %w", err)
	}
	l.mu.Lock()
	delete(l.students, id)
	l.mu.Unlock()

	if err := l.store.Delete(ctx, matriculePrefix+strings.ToLower(st.StudentID)); err != nil {
		slog.Default().WarnContext(ctx, "failed to release matricule index", "student", id, "error", err)
	}
	if err := l.store.Delete(ctx, emailPrefix+strings.ToLower(st.Email)); err != nil {
		slog.Default().WarnContext(ctx, "failed to release email index", "student", id, "error", err)
	}
	return nil
}

// ---------- Attendance ----------

// HasPresentRecord reports whether a present record exists for the pair.
func (l *Ledger) HasPresentRecord(studentID, sessionID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.present[presenceKey(studentID, sessionID)]
	return ok
}

// Append durably stores rec. It fails with ErrDuplicate when a present record
// already exists for (StudentID, SessionID) and with ErrNotFound when the
// student no longer exists. Check and write are atomic per pair.
func (l *Ledger) Append(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, error) {
	if rec.StudentID == "" {
		return model.AttendanceRecord{}, fmt.Errorf("%w: student id required", ErrInvalid)
	}
	if rec.SessionID == "" {
		rec.SessionID = model.ManualSessionID
	}
	switch rec.Status {
	case model.StatusPresent, model.StatusAbsent:
	case "":
		rec.Status = model.StatusPresent
	default:
		return model.AttendanceRecord{}, fmt.Errorf("%w: status %q", ErrInvalid, rec.Status)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	unlockStudent := l.locks.RLock(studentPrefix + rec.StudentID)
	defer unlockStudent()

	if _, err := l.Student(rec.StudentID); err != nil {
		return model.AttendanceRecord{}, err
	}
	// another process may have deleted the student
	if _, err := l.store.Get(ctx, studentPrefix+rec.StudentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.AttendanceRecord{}, fmt.Errorf("student %s: %w", rec.StudentID, ErrNotFound)
		}
		return model.AttendanceRecord{}, err
	}

	pk := presenceKey(rec.StudentID, rec.SessionID)
	claimed := false
	if rec.Status == model.StatusPresent {
		unlockPair := l.locks.Lock(pk)
		defer unlockPair()

		if l.HasPresentRecord(rec.StudentID, rec.SessionID) {
			return model.AttendanceRecord{}, ErrDuplicate
		}
		ok, err := l.store.PutIfAbsent(ctx, pk, []byte(rec.ID))
		if err != nil {
			return model.AttendanceRecord{}, fmt.Errorf("claim presence: %w", err)
		}
		if !ok {
			return model.AttendanceRecord{}, ErrDuplicate
		}
		claimed = true
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	if err := l.store.Put(ctx, attendancePrefix+rec.ID, raw); err != nil {
		if claimed {
			l.releaseClaim(ctx, pk)
		}
		return model.AttendanceRecord{}, fmt.Errorf("persist attendance: %w", err)
	}

	l.mu.Lock()
	i := sort.Search(len(l.records), func(i int) bool { return recordLess(rec, l.records[i]) })
	l.records = append(l.records, model.AttendanceRecord{})
	copy(l.records[i+1:], l.records[i:])
	l.records[i] = rec
	if claimed {
		l.present[pk] = rec.ID
	}
	l.mu.Unlock()
	return rec, nil
}

// releaseClaim undoes a presence claim whose record was never written. It runs
// detached from ctx: a cancelled request is the usual reason the write failed.
func (l *Ledger) releaseClaim(ctx context.Context, pk string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := l.store.Delete(rctx, pk); err != nil {
		slog.Default().ErrorContext(ctx, "failed to release presence claim",
			"key", pk,
			"error", err,
		)
	}
}

// Record returns a single attendance record by id.
func (l *Ledger) Record(id string) (model.AttendanceRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.records {
		if r.ID == id {
			return r, nil
		}
	}
	return model.AttendanceRecord{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
}

// RecordsFor yields the student's records newest first. Each iteration works
// on a fresh snapshot, so the sequence can be ranged over repeatedly.
func (l *Ledger) RecordsFor(studentID string) iter.Seq[model.AttendanceRecord] {
	return l.newestFirst(func(r model.AttendanceRecord) bool { return r.StudentID == studentID })
}

// RecordsForSession yields the session's records newest first.
func (l *Ledger) RecordsForSession(sessionID string) iter.Seq[model.AttendanceRecord] {
	return l.newestFirst(func(r model.AttendanceRecord) bool { return r.SessionID == sessionID })
}

// Records yields every record newest first.
func (l *Ledger) Records() iter.Seq[model.AttendanceRecord] {
	return l.newestFirst(nil)
}

// Filter narrows ListAttendance.
type Filter struct {
	StudentID string
	SessionID string
	Limit     int
}

// ListAttendance returns matching records newest first.
func (l *Ledger) ListAttendance(f Filter) []model.AttendanceRecord {
	seq := l.Records()
	switch {
	case f.StudentID != "":
		seq = l.RecordsFor(f.StudentID)
	case f.SessionID != "":
		seq = l.RecordsForSession(f.SessionID)
	}
	var out []model.AttendanceRecord
	for r := range seq {
		if f.SessionID != "" && r.SessionID != f.SessionID {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Len reports the number of attendance records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *Ledger) newestFirst(match func(model.AttendanceRecord) bool) iter.Seq[model.AttendanceRecord] {
	return func(yield func(model.AttendanceRecord) bool) {
		l.mu.RLock()
		snapshot := make([]model.AttendanceRecord, len(l.records))
		copy(snapshot, l.records)
		l.mu.RUnlock()

		for i := len(snapshot) - 1; i >= 0; i-- {
			if match != nil && !match(snapshot[i]) {
				continue
			}
			if !yield(snapshot[i]) {
				return
			}
		}
	}
}

func presenceKey(studentID, sessionID string) string {
	return presencePrefix + studentID + ":" + sessionID
}

func recordLess(a, b model.AttendanceRecord) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
