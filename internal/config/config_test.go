package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.Broadcast.TickInterval != DefaultTickInterval {
		t.Fatalf("unexpected tick interval: %v", cfg.Broadcast.TickInterval)
	}
	if cfg.Matchmaking.SkillTolerance != DefaultSkillTolerance {
		t.Fatalf("unexpected skill tolerance: %d", cfg.Matchmaking.SkillTolerance)
	}
	if cfg.Session.ConnectGrace != DefaultConnectGrace {
		t.Fatalf("unexpected connect grace: %v", cfg.Session.ConnectGrace)
	}
}

func TestLoadYAMLFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	contents := strings.Join([]string{
		"address: \":9000\"",
		"broadcast:",
		"  tick_interval: 50ms",
		"matchmaking:",
		"  skill_tolerance: 200",
		"  max_skill_tolerance: 900",
	}, "\n")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ARENA_TICK_INTERVAL", "25ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":9000" {
		t.Fatalf("file address not applied: %q", cfg.Address)
	}
	if cfg.Broadcast.TickInterval != 25*time.Millisecond {
		t.Fatalf("env override lost: %v", cfg.Broadcast.TickInterval)
	}
	if cfg.Matchmaking.SkillTolerance != 200 {
		t.Fatalf("file tolerance not applied: %d", cfg.Matchmaking.SkillTolerance)
	}
}

func TestLoadAggregatesInvalidOverrides(t *testing.T) {
	t.Setenv("ARENA_TICK_INTERVAL", "fast")
	t.Setenv("ARENA_MAX_CLIENTS", "-3")

	_, err := Load("")
	if err == nil {
		t.Fatalf("expected error for invalid overrides")
	}
	message := err.Error()
	if !strings.Contains(message, "ARENA_TICK_INTERVAL") || !strings.Contains(message, "ARENA_MAX_CLIENTS") {
		t.Fatalf("expected both problems reported, got %q", message)
	}
}

func TestLoadRejectsLoneTLSSetting(t *testing.T) {
	t.Setenv("ARENA_TLS_CERT", "/tmp/cert.pem")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error when only the certificate is configured")
	}
}
