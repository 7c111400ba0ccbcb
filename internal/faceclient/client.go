package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"faceattend/internal/metrics"
	"faceattend/internal/model"
)

const (
	maxResponseBytes = 1 << 20

	defaultReason     = "verification completed"
	unavailableReason = "Face verification is unavailable right now. Check your connection and try again."
	unreadableReason  = "Face verification returned an unreadable answer. Please try again."
	noCaptureReason   = "No image was captured. Please try again."
)

type verdictKind int

const (
	verdictOK verdictKind = iota
	verdictParseFailure
	verdictTransportFailure
)

func (k verdictKind) String() string {
	switch k {
	case verdictOK:
		return "ok"
	case verdictParseFailure:
		return "parse_failure"
	default:
		return "transport_failure"
	}
}

// verdict is the tagged result of one remote comparison.
type verdict struct {
	kind    verdictKind
	outcome model.Outcome
	err     error
}

// collapse folds failures into a fail-closed outcome.
func (v verdict) collapse() model.Outcome {
	switch v.kind {
	case verdictOK:
		return v.outcome
	case verdictParseFailure:
		return model.Outcome{Verified: false, Confidence: 0, Reason: unreadableReason}
	default:
		return model.Outcome{Verified: false, Confidence: 0, Reason: unavailableReason}
	}
}

// Client calls the face comparison service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client whose calls never outlast timeout.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Compare asks the face service whether candidate shows the same person as
// reference. It never fails: transport and decoding problems come back as an
// unverified outcome with zero confidence. One request per call, no retry.
func (c *Client) Compare(ctx context.Context, reference, candidate string) model.Outcome {
	reference, candidate = StripDataURI(reference), StripDataURI(candidate)
	if candidate == "" {
		return model.Outcome{Reason: noCaptureReason}
	}
	if c.Skip {
		return model.Outcome{Verified: true, Confidence: 0.95, Reason: "face service skipped (dev mode)"}
	}

	start := time.Now()
	v := c.compare(ctx, reference, candidate)
	metrics.OracleDuration.WithLabelValues(v.kind.String()).Observe(time.Since(start).Seconds())
	if v.err != nil {
		slog.Default().WarnContext(ctx, "face comparison failed",
			"kind", v.kind.String(),
			"error", v.err,
		)
	}
	return v.collapse()
}

func (c *Client) compare(ctx context.Context, reference, candidate string) verdict {
	body, err := json.Marshal(map[string]string{
		"reference_image": reference,
		"candidate_image": candidate,
	})
	if err != nil {
		return verdict{kind: verdictTransportFailure, err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/compare", bytes.NewReader(body))
	if err != nil {
		return verdict{kind: verdictTransportFailure, err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return verdict{kind: verdictTransportFailure, err: fmt.Errorf("face service request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return verdict{kind: verdictTransportFailure, err: fmt.Errorf("read face service response: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return verdict{kind: verdictTransportFailure, err: fmt.Errorf("face service error %s: %s", resp.Status, string(raw))}
	}
	return parseOutcome(raw)
}

func parseOutcome(raw []byte) verdict {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return verdict{kind: verdictParseFailure, err: errors.New("empty face service response")}
	}
	var out struct {
		Verified   *bool    `json:"verified"`
		Confidence *float64 `json:"confidence"`
		Reason     *string  `json:"reason"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return verdict{kind: verdictParseFailure, err: fmt.Errorf("failed to decode response: %w", err)}
	}

	o := model.Outcome{Reason: defaultReason}
	if out.Verified != nil {
		o.Verified = *out.Verified
	}
	if out.Confidence != nil {
		o.Confidence = *out.Confidence
	}
	if out.Reason != nil && strings.TrimSpace(*out.Reason) != "" {
		o.Reason = *out.Reason
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return verdict{kind: verdictParseFailure, err: fmt.Errorf("confidence %v outside [0,1]", o.Confidence)}
	}
	return verdict{kind: verdictOK, outcome: o}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

// StripDataURI drops a "data:<mime>;base64," style prefix, keeping the payload.
func StripDataURI(image string) string {
	image = strings.TrimSpace(image)
	if i := strings.IndexByte(image, ','); i >= 0 {
		return image[i+1:]
	}
	return image
}
