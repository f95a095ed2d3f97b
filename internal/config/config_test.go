package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCANSYNC_ENGINE_BASEURL", "https://engine.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.BaseURL != "https://engine.example.com" {
		t.Fatalf("BaseURL = %q, want trailing slash trimmed", cfg.Engine.BaseURL)
	}
	if cfg.Engine.SnapshotPath != "/api/tasks" {
		t.Fatalf("SnapshotPath = %q", cfg.Engine.SnapshotPath)
	}
	if cfg.Engine.PollInterval != 15*time.Second {
		t.Fatalf("PollInterval = %v", cfg.Engine.PollInterval)
	}
	if cfg.Engine.BackoffInitial != 2*time.Second || cfg.Engine.BackoffMax != 30*time.Second {
		t.Fatalf("backoff = %v/%v", cfg.Engine.BackoffInitial, cfg.Engine.BackoffMax)
	}
	if cfg.Engine.PollingAfter != 3 {
		t.Fatalf("PollingAfter = %d", cfg.Engine.PollingAfter)
	}
	if cfg.Engine.SlowServerThreshold != 1800*time.Millisecond {
		t.Fatalf("SlowServerThreshold = %v", cfg.Engine.SlowServerThreshold)
	}
	if cfg.Server.Addr != "127.0.0.1:8090" {
		t.Fatalf("Server.Addr = %q", cfg.Server.Addr)
	}
}

func TestLoadRequiresEngineBaseURL(t *testing.T) {
	t.Setenv("SCANSYNC_ENGINE_BASEURL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted a missing engine base URL")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCANSYNC_ENGINE_BASEURL", "https://engine.example.com")
	t.Setenv("SCANSYNC_ENGINE_POLLINTERVAL", "5s")
	t.Setenv("SCANSYNC_CACHE_USER", "alice")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.PollInterval != 5*time.Second {
		t.Fatalf("PollInterval = %v, want 5s", cfg.Engine.PollInterval)
	}
	if cfg.Cache.User != "alice" {
		t.Fatalf("Cache.User = %q, want alice", cfg.Cache.User)
	}
}
