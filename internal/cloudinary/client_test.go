package cloudinary

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSignExcludesKeyAndFile(t *testing.T) {
	c := New("demo", "key", "secret", "")
	got := c.sign(map[string]string{
		"timestamp": "1700000000",
		"public_id": "rec-1",
		"api_key":   "key",
		"file":      "data",
		"folder":    "",
	})
	want := fmt.Sprintf("%x", sha1.Sum([]byte("public_id=rec-1&timestamp=1700000000secret")))
	if got != want {
		t.Fatalf("signature %s want %s", got, want)
	}
}

func TestUploadBase64(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1_1/demo/image/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"public_id":"evidence/rec-1","secure_url":"https://cdn.example/rec-1.jpg"}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "evidence")
	c.BaseURL = srv.URL
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	res, err := c.UploadBase64(context.Background(), "aGVsbG8=", "rec-1")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.Link() != "https://cdn.example/rec-1.jpg" {
		t.Fatalf("unexpected link %q", res.Link())
	}
	if form["file"] != "data:image/jpeg;base64,aGVsbG8=" {
		t.Fatalf("raw base64 not wrapped: %q", form["file"])
	}
	if form["public_id"] != "rec-1" || form["folder"] != "evidence" || form["api_key"] != "key" {
		t.Fatalf("unexpected form %v", form)
	}
	want := c.sign(map[string]string{"timestamp": "1700000000", "folder": "evidence", "public_id": "rec-1", "overwrite": "true"})
	if form["signature"] != want {
		t.Fatalf("signature mismatch")
	}
}

func TestUploadErrors(t *testing.T) {
	if _, err := New("", "", "", "").UploadBase64(context.Background(), "x", ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := New("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	if _, err := c.UploadBase64(context.Background(), "x", "rec"); err == nil {
		t.Fatalf("expected upload failure")
	}
	if _, err := c.UploadBase64(context.Background(), "", "rec"); err == nil {
		t.Fatalf("expected empty image failure")
	}
}
