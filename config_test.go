package cloudname

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"tick":        func(c *Config) { c.TickInterval = 0 },
		"buffer":      func(c *Config) { c.EventBuffer = 0 },
		"connecting":  func(c *Config) { c.MaxConnectingTicks = -1 },
		"root":        func(c *Config) { c.Root = "relative/root" },
		"backoff max": func(c *Config) { c.Reconnect.Max = c.Reconnect.Base / 2 },
		"multiplier":  func(c *Config) { c.Reconnect.Multiplier = 0.5 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestBackoffNext(t *testing.T) {
	b := BackoffConfig{Base: time.Second, Max: 10 * time.Second, Multiplier: 2}
	if got := b.Next(0); got != time.Second {
		t.Fatalf("retry0 expected 1s, got %v", got)
	}
	if got := b.Next(2); got != 4*time.Second {
		t.Fatalf("retry2 expected 4s, got %v", got)
	}
	if got := b.Next(10); got != b.Max {
		t.Fatalf("expected cap at %v, got %v", b.Max, got)
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudname.yaml")
	body := "root: /services\ntickInterval: 500ms\nreconnect:\n  base: 1s\n  max: 4s\n  multiplier: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Root != "/services" || cfg.TickInterval != 500*time.Millisecond {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if cfg.Reconnect.Next(1) != 2*time.Second {
		t.Fatalf("unexpected reconnect policy: %+v", cfg.Reconnect)
	}
	if cfg.MaxConnectingTicks != DefaultConfig().MaxConnectingTicks {
		t.Fatalf("default not kept: %d", cfg.MaxConnectingTicks)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("eventBuffer: 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestJitterStaysInRange(t *testing.T) {
	base := 100 * time.Millisecond
	if got := jitter(base, 0); got != base {
		t.Fatalf("zero ratio should not jitter, got %v", got)
	}
	for i := 0; i < 100; i++ {
		got := jitter(base, 0.2)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	cfg := DefaultConfig()
	cfg.Reconnect.Jitter = 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for jitter >= 1")
	}
}
