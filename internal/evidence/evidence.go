// Package evidence archives the capture behind each accepted check-in.
// The API publishes a job after the ledger write; the worker uploads the
// image and records where it went.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"faceattend/internal/cloudinary"
	"faceattend/internal/metrics"
	"faceattend/internal/model"
	"faceattend/internal/queue"
	"faceattend/internal/store"
)

// MessageType tags capture archive jobs on the queue.
const MessageType = "evidence.capture"

const keyPrefix = "evidence:"

// ErrNotArchived is returned when a record has no archived capture.
var ErrNotArchived = errors.New("evidence: not archived")

// Job is the queue payload for one accepted capture.
type Job struct {
	RecordID  string `json:"record_id"`
	StudentID string `json:"student_id"`
	SessionID string `json:"session_id"`
	Image     string `json:"image"`
}

// Evidence is what the archive stores per record.
type Evidence struct {
	RecordID   string    `json:"record_id"`
	URL        string    `json:"url"`
	PublicID   string    `json:"public_id"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Publisher turns accepted check-ins into archive jobs.
type Publisher struct {
	q       queue.Queue
	timeout time.Duration
}

// NewPublisher publishes jobs to q.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{q: q, timeout: 5 * time.Second}
}

// OnAccepted matches attendance.AcceptedFunc. Failures are logged; the
// attendance record stands either way.
func (p *Publisher) OnAccepted(ctx context.Context, rec model.AttendanceRecord, capture string) {
	if capture == "" {
		return
	}
	body, err := json.Marshal(Job{
		RecordID:  rec.ID,
		StudentID: rec.StudentID,
		SessionID: rec.SessionID,
		Image:     capture,
	})
	if err != nil {
		slog.Default().ErrorContext(ctx, "encode evidence job", "record_id", rec.ID, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.q.Publish(pubCtx, queue.Message{Type: MessageType, Key: rec.StudentID, Body: body}); err != nil {
		slog.Default().WarnContext(ctx, "publish evidence job failed", "record_id", rec.ID, "error", err)
	}
}

// Uploader stores an image remotely.
type Uploader interface {
	UploadBase64(ctx context.Context, data, publicID string) (*cloudinary.UploadResult, error)
}

// Archiver consumes jobs, uploads captures and records the resulting URLs.
type Archiver struct {
	store    store.Store
	uploader Uploader
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// NewArchiver builds an archiver writing to s.
func NewArchiver(s store.Store, up Uploader) *Archiver {
	return &Archiver{store: s, uploader: up, attempts: 3, backoff: time.Second, now: time.Now}
}

// Run consumes q until ctx is done.
func (a *Archiver) Run(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		if msg.Type != MessageType {
			slog.Default().WarnContext(ctx, "ignoring message", "type", msg.Type)
			continue
		}
		if err := a.Handle(ctx, msg.Body); err != nil {
			slog.Default().ErrorContext(ctx, "archive evidence failed", "key", msg.Key, "error", err)
		}
	}
	return ctx.Err()
}

// Handle archives one job. Jobs for records already archived are skipped.
func (a *Archiver) Handle(ctx context.Context, body []byte) error {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil || job.RecordID == "" || job.Image == "" {
		metrics.EvidenceArchived.WithLabelValues("invalid").Inc()
		if err == nil {
			err = errors.New("missing record id or image")
		}
		return fmt.Errorf("evidence: bad job: %w", err)
	}
	if _, err := a.store.Get(ctx, keyPrefix+job.RecordID); err == nil {
		metrics.EvidenceArchived.WithLabelValues("skipped").Inc()
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var (
		res *cloudinary.UploadResult
		err error
	)
	for i := 0; i < a.attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(a.backoff * time.Duration(i)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		res, err = a.uploader.UploadBase64(ctx, job.Image, job.RecordID)
		if err == nil || errors.Is(err, cloudinary.ErrNotConfigured) {
			break
		}
	}
	if err != nil {
		metrics.EvidenceArchived.WithLabelValues("failed").Inc()
		return err
	}

	ev := Evidence{RecordID: job.RecordID, URL: res.Link(), PublicID: res.PublicID, ArchivedAt: a.now().UTC()}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := a.store.Put(ctx, keyPrefix+job.RecordID, raw); err != nil {
		metrics.EvidenceArchived.WithLabelValues("failed").Inc()
		return err
	}
	metrics.EvidenceArchived.WithLabelValues("ok").Inc()
	slog.Default().InfoContext(ctx, "evidence archived", "record_id", job.RecordID, "student_id", job.StudentID, "url", ev.URL)
	return nil
}

// Lookup returns the archived capture for recordID.
func Lookup(ctx context.Context, s store.Store, recordID string) (Evidence, error) {
	raw, err := s.Get(ctx, keyPrefix+recordID)
	if errors.Is(err, store.ErrNotFound) {
		return Evidence{}, ErrNotArchived
	}
	if err != nil {
		return Evidence{}, err
	}
	var ev Evidence
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Evidence{}, err
	}
	return ev, nil
}
