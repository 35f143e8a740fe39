package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %s, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Queue.Backend != "bolt" {
		t.Errorf("Queue.Backend = %s, want bolt", cfg.Queue.Backend)
	}
	if cfg.Worker.Workers != 4 || cfg.Worker.FanOut != 8 {
		t.Errorf("worker defaults = %d/%d, want 4/8", cfg.Worker.Workers, cfg.Worker.FanOut)
	}
	if cfg.Worker.RetryBase != 2*time.Second {
		t.Errorf("Worker.RetryBase = %v, want 2s", cfg.Worker.RetryBase)
	}
	if cfg.Worker.FailureThreshold != 0.5 {
		t.Errorf("Worker.FailureThreshold = %f, want 0.5", cfg.Worker.FailureThreshold)
	}
	if cfg.Worker.RecoverAfter != 15*time.Minute {
		t.Errorf("Worker.RecoverAfter = %v, want 15m", cfg.Worker.RecoverAfter)
	}
	if cfg.Defaults.BatchSize != 50 || cfg.Defaults.RateLimit != 90 {
		t.Errorf("campaign defaults = %d/%d, want 50/90", cfg.Defaults.BatchSize, cfg.Defaults.RateLimit)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
api:
  listen_addr: ":9000"
  api_key: secret
queue:
  backend: redis
  redis:
    addr: redis.internal:6379
    db: 2
worker:
  workers: 8
  send_timeout: 10s
  failure_threshold: 0.3
defaults:
  batch_size: 100
  rate_limit: 200
smtp:
  addr: smtp.example.com:587
  username: mailer
  password: hunter2
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.APIKey != "secret" {
		t.Errorf("APIKey = %s, want secret", cfg.API.APIKey)
	}
	if cfg.Queue.Backend != "redis" || cfg.Queue.Redis.Addr != "redis.internal:6379" || cfg.Queue.Redis.DB != 2 {
		t.Errorf("redis config not applied: %+v", cfg.Queue)
	}
	if cfg.Worker.Workers != 8 || cfg.Worker.SendTimeout != 10*time.Second {
		t.Errorf("worker config not applied: %+v", cfg.Worker)
	}
	if cfg.Worker.FailureThreshold != 0.3 {
		t.Errorf("FailureThreshold = %f, want 0.3", cfg.Worker.FailureThreshold)
	}
	if cfg.Defaults.BatchSize != 100 || cfg.Defaults.RateLimit != 200 {
		t.Errorf("defaults not applied: %+v", cfg.Defaults)
	}
	if cfg.SMTP.Addr != "smtp.example.com:587" || cfg.SMTP.Username != "mailer" {
		t.Errorf("smtp config not applied: %+v", cfg.SMTP)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad backend", "queue:\n  backend: kafka\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"bad threshold", "worker:\n  failure_threshold: 1.5\n"},
		{"negative workers", "worker:\n  workers: -2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}
