package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.PoolCeiling != 10 {
		t.Errorf("expected default pool ceiling 10, got %d", cfg.PoolCeiling)
	}
	if cfg.StaleAfter != 5*time.Minute {
		t.Errorf("expected 5m stale window, got %s", cfg.StaleAfter)
	}
	if cfg.AbandonAfter != 20*time.Minute {
		t.Errorf("expected 20m abandon window, got %s", cfg.AbandonAfter)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		t.Errorf("ping period %s must be less than pong wait %s", cfg.PingPeriod, cfg.PongWait)
	}
}

func TestLoadInvalidInt(t *testing.T) {
	os.Clearenv()
	os.Setenv("POOL_CEILING", "not-a-number")
	defer os.Unsetenv("POOL_CEILING")

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid POOL_CEILING")
	}
}

func TestStreamURL(t *testing.T) {
	cfg := &Config{PublicBaseURL: "https://voice.example.com"}
	got := cfg.StreamURL("call-123")
	want := "wss://voice.example.com/stream/call-123"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
