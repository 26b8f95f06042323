package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "wisp.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Addr != ":8787" || cfg.Session.CookieName != "wisp_session" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(*Config){
		"empty addr":             func(c *Config) { c.Server.Addr = " " },
		"empty data dir":         func(c *Config) { c.Server.DataDir = "" },
		"zero session ttl":       func(c *Config) { c.Session.TTLHours = 0 },
		"empty cookie name":      func(c *Config) { c.Session.CookieName = "" },
		"zero heartbeat":         func(c *Config) { c.Presence.HeartbeatSec = 0 },
		"liveness <= heartbeat":  func(c *Config) { c.Presence.LivenessTimeoutSec = c.Presence.HeartbeatSec },
		"zero ring timeout":      func(c *Config) { c.Call.RingTimeoutSec = 0 },
		"zero pending cap":       func(c *Config) { c.Client.MaxPending = 0 },
		"zero reconnect base":    func(c *Config) { c.Client.ReconnectBaseMs = 0 },
		"bad server url":         func(c *Config) { c.Client.ServerURL = "ftp://x" },
		"vapid public only":      func(c *Config) { c.Push.VapidPublicKey = "pk" },
		"vapid private only":     func(c *Config) { c.Push.VapidPrivateKey = "sk" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadLayersDefaultsAndEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"server":{"addr":":9999"}}`)
	t.Setenv("WISP_SESSION_SECRET", "from-env")
	t.Setenv("WISP_TOKEN", "tok-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	// Fields missing from the file keep their defaults.
	if cfg.Presence.HeartbeatSec != 30 || cfg.Client.MaxPending != 200 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Session.Secret != "from-env" || cfg.Client.Token != "tok-env" {
		t.Fatalf("env overrides not applied: %+v", cfg.Session)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "\xEF\xBB\xBF"+`{"server":{"addr":":1234"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load with BOM: %v", err)
	}
	if cfg.Server.Addr != ":1234" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"session":{"ttl_hours":-1}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "ttl_hours") {
		t.Fatalf("got %v", err)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	if err := Save(filepath.Join(t.TempDir(), "wisp.json"), cfg); err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestEnsure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wisp.json")

	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("first Ensure: created=%v err=%v", created, err)
	}
	if cfg.Server.Addr != Default().Server.Addr {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	_, created, err = Ensure(path)
	if err != nil || created {
		t.Fatalf("second Ensure: created=%v err=%v", created, err)
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"server":{"addr":":8787"}}`)

	got := make(chan Config, 4)
	w, err := Watch(path, func(c Config) { got <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	// An invalid revision is skipped; the watcher stays alive.
	writeConfig(t, dir, `{"session":{"ttl_hours":-1}}`)
	writeConfig(t, dir, `{"server":{"addr":":9090"}}`)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-got:
			if cfg.Server.Addr == ":9090" {
				return
			}
			// A writer may race the second write; keep waiting.
		case <-deadline:
			t.Fatal("reload never delivered the new config")
		}
	}
}

func TestWatcherCloseIdempotent(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"server":{"addr":":8787"}}`)
	w, err := Watch(path, func(Config) {})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
