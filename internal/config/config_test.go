package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kguard.yaml")
	body = "storage:\n  path: " + filepath.Join(dir, "data", "kguard.db") + "\n" + body
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Backend.URL != "http://localhost:8000/api" {
		t.Fatalf("unexpected backend url %q", cfg.Backend.URL)
	}
	if Duration(cfg.Usage.TickInterval).Seconds() != 5 {
		t.Fatalf("unexpected tick interval %q", cfg.Usage.TickInterval)
	}
	if Duration(cfg.Usage.FlushThreshold).Seconds() != 20 {
		t.Fatalf("unexpected flush threshold %q", cfg.Usage.FlushThreshold)
	}
	if cfg.Policy.DefaultCooldownHours != 24 {
		t.Fatalf("unexpected default cooldown %v", cfg.Policy.DefaultCooldownHours)
	}
	if cfg.Gate.HistoryLimit != 500 || cfg.Gate.BlockLogRetentionDays != 90 {
		t.Fatalf("unexpected gate defaults: %+v", cfg.Gate)
	}
	if cfg.Storage.Type != "bolt" || cfg.Policy.KeywordEngine != "builtin" {
		t.Fatalf("unexpected engine defaults: %+v %+v", cfg.Storage, cfg.Policy)
	}
	if _, err := os.Stat(filepath.Dir(cfg.Storage.Path)); err != nil {
		t.Fatalf("expected storage dir to be created: %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: https://parent.example/api/
policy:
  keyword_engine: rego
usage_tracking:
  tick_interval: 2s
`)
	t.Setenv("KGUARD_SYNC_PULL_INTERVAL", "1m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.URL != "https://parent.example/api" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Backend.URL)
	}
	if cfg.Policy.KeywordEngine != "rego" {
		t.Fatalf("expected rego engine, got %q", cfg.Policy.KeywordEngine)
	}
	if cfg.Usage.TickInterval != "2s" {
		t.Fatalf("expected tick interval from file, got %q", cfg.Usage.TickInterval)
	}
	if cfg.Sync.PullInterval != "1m" {
		t.Fatalf("expected pull interval from env, got %q", cfg.Sync.PullInterval)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad duration", body: "sync:\n  pull_interval: soon\n"},
		{name: "zero tick", body: "usage_tracking:\n  tick_interval: 0s\n"},
		{name: "bad reset time", body: "usage_tracking:\n  daily_reset_time: midnight\n"},
		{name: "unknown storage", body: "storage:\n  type: sqlite\n"},
		{name: "unknown engine", body: "policy:\n  keyword_engine: ml\n"},
		{name: "zero history", body: "gate:\n  history_limit: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}

func TestUnknownKeys(t *testing.T) {
	path := writeConfig(t, "backend:\n  url: http://x\n  retries: 3\nproxy:\n  port: 80\n")

	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("unknown keys: %v", err)
	}
	if len(unknown) != 2 {
		t.Fatalf("expected 2 unknown keys, got %v", unknown)
	}
}

func TestDefaultsSkipValidation(t *testing.T) {
	cfg := Defaults()
	if cfg.Storage.Type != "bolt" || cfg.Gate.HistoryLimit != 500 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Admin.Enabled || cfg.Metrics.Enabled {
		t.Fatal("local surfaces should be off by default")
	}
}
