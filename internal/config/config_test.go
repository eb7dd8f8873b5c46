package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies the defaults a bare deployment runs with.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.RateLimit != 60 {
		t.Errorf("expected 60 req/min rate limit, got %d", cfg.Server.RateLimit)
	}
	if !cfg.Engine.ApprovalMode {
		t.Error("approval mode should default on")
	}
	if cfg.Engine.ArchiveBucket != "incident-logs-archive" {
		t.Errorf("unexpected archive bucket: %s", cfg.Engine.ArchiveBucket)
	}
	if cfg.Redis.Enabled {
		t.Error("redis should default off")
	}
	if cfg.Executor.PollInterval != 2*time.Second || cfg.Executor.MaxPolls != 60 {
		t.Errorf("unexpected executor poll budget: %v x %d",
			cfg.Executor.PollInterval, cfg.Executor.MaxPolls)
	}
}

// TestLoad_OverridesDefaults verifies YAML values override defaults while
// unspecified fields keep them.
func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
engine:
  approval_mode: false
  archive_bucket: custom-bucket
redis:
  enabled: true
  addr: redis.internal:6379
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port override, got %d", cfg.Server.Port)
	}
	if cfg.Engine.ApprovalMode {
		t.Error("expected approval mode off")
	}
	if cfg.Engine.ArchiveBucket != "custom-bucket" {
		t.Errorf("expected bucket override, got %s", cfg.Engine.ArchiveBucket)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("expected redis override, got %+v", cfg.Redis)
	}

	// Untouched fields keep defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected default read timeout, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Advisor.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("expected default advisor key env, got %s", cfg.Advisor.APIKeyEnv)
	}
}

// TestLoad_MissingFile verifies a readable error for a bad path.
func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

// TestLoad_InvalidYAML verifies parse failures surface.
func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
