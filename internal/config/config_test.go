package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnsureCreatesValidDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")

	cfg, created, err := Ensure(path, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new config file to be created")
	}
	if cfg.Identity.UserID != "alice" {
		t.Fatalf("expected user_id=alice, got %q", cfg.Identity.UserID)
	}
	if cfg.Call.RingTimeout() != 60*time.Second {
		t.Fatalf("expected 60s ring timeout, got %s", cfg.Call.RingTimeout())
	}
	if cfg.Call.CallbackTimeout() != 5*time.Second {
		t.Fatalf("expected 5s callback timeout, got %s", cfg.Call.CallbackTimeout())
	}
	if cfg.Call.OpenTimeout() != 15*time.Second || cfg.Call.FatalRetry() != 3*time.Second {
		t.Fatalf("unexpected identity timings: open=%s retry=%s", cfg.Call.OpenTimeout(), cfg.Call.FatalRetry())
	}

	again, created, err := Ensure(path, "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected existing config to be loaded, not recreated")
	}
	if again.Identity.UserID != "alice" {
		t.Fatalf("expected persisted user_id=alice, got %q", again.Identity.UserID)
	}
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"bob"},"store":{"backend":"memory"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("expected memory backend, got %q", cfg.Store.Backend)
	}
	if cfg.Presence.HeartbeatSec != 30 {
		t.Fatalf("expected default heartbeat 30, got %d", cfg.Presence.HeartbeatSec)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"missing user", func(c *Config) { c.Identity.UserID = "" }},
		{"bad backend", func(c *Config) { c.Store.Backend = "mongo" }},
		{"bad redis addr", func(c *Config) { c.Store.Backend = "redis"; c.Store.RedisAddr = "nohost" }},
		{"callback >= ring", func(c *Config) { c.Call.CallbackTimeoutSec = 60 }},
		{"heartbeat >= ttl", func(c *Config) { c.Presence.HeartbeatSec = 60 }},
		{"bad port", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"bad http addr", func(c *Config) { c.Control.HTTPAddr = "localhost" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Identity.UserID = "alice"
			tc.mut(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestApplyEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("GOOPCALL_STORE_BACKEND=redis\nGOOPCALL_REDIS_DB=3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOOPCALL_DISPLAY_NAME", "Carol")

	cfg := Default()
	if err := ApplyEnvFile(&cfg, envPath); err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.RedisDB != 3 {
		t.Fatalf("expected redis db 3 from .env, got %q/%d", cfg.Store.Backend, cfg.Store.RedisDB)
	}
	if cfg.Identity.DisplayName != "Carol" {
		t.Fatalf("expected display name from process env, got %q", cfg.Identity.DisplayName)
	}

	if err := ApplyEnvFile(&cfg, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}
