package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	t.Setenv("ACCEPT_THRESHOLD", "")
	cfg := Load()
	if cfg.HTTPPort != "8081" || cfg.AcceptThreshold != 0.6 || cfg.VerifyTimeout != 20*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CloudinaryConfigured() {
		t.Fatalf("cloudinary should not be configured by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("FACE_SKIP", "true")
	t.Setenv("VERIFY_TIMEOUT", "5s")
	t.Setenv("ACCEPT_THRESHOLD", "0.75")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("CAPTURE_LIMIT_PER_MIN", "3")

	cfg := Load()
	if !cfg.Production() || !cfg.FaceSkip || cfg.VerifyTimeout != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.AcceptThreshold != 0.75 || cfg.CaptureLimitPerMin != 3 {
		t.Fatalf("numeric overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("VERIFY_TIMEOUT", "soon")
	t.Setenv("ACCEPT_THRESHOLD", "1.5")
	t.Setenv("FACE_SKIP", "maybe")
	cfg := Load()
	if cfg.VerifyTimeout != 20*time.Second || cfg.AcceptThreshold != 0.6 || cfg.FaceSkip {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
}
