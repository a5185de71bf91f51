package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.BreakerFailureThreshold != 3 {
		t.Errorf("expected breaker threshold 3, got %d", cfg.BreakerFailureThreshold)
	}
	if cfg.BreakerCooldown != 5*time.Minute {
		t.Errorf("expected breaker cooldown 5m, got %s", cfg.BreakerCooldown)
	}
	if cfg.BreakerRegisteredCooldown != 30*time.Minute {
		t.Errorf("expected registered cooldown 30m, got %s", cfg.BreakerRegisteredCooldown)
	}
	if cfg.BatchMaxSize != 10 {
		t.Errorf("expected batch max size 10, got %d", cfg.BatchMaxSize)
	}
	if cfg.HandshakeTimeout != 3*time.Second {
		t.Errorf("expected handshake timeout 3s, got %s", cfg.HandshakeTimeout)
	}
	if cfg.PaceMaxChunkLen != 160 {
		t.Errorf("expected pace chunk length 160, got %d", cfg.PaceMaxChunkLen)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BATCH_TEXT_WAIT", "250ms")
	t.Setenv("BATCH_MAX_SIZE", "4")
	t.Setenv("USE_MEMORY_QUEUE", "true")
	t.Setenv("LOG_FORMAT", "TEXT")

	cfg := Load()

	if cfg.BatchTextWait != 250*time.Millisecond {
		t.Errorf("expected 250ms text wait, got %s", cfg.BatchTextWait)
	}
	if cfg.BatchMaxSize != 4 {
		t.Errorf("expected batch max size 4, got %d", cfg.BatchMaxSize)
	}
	if !cfg.UseMemoryQueue {
		t.Error("expected memory queue enabled")
	}
	if cfg.LogFormat != "text" {
		t.Errorf("expected normalized log format text, got %s", cfg.LogFormat)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("BATCH_MAX_SIZE", "not-a-number")
	t.Setenv("BREAKER_COOLDOWN", "soon")

	cfg := Load()

	if cfg.BatchMaxSize != 10 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.BatchMaxSize)
	}
	if cfg.BreakerCooldown != 5*time.Minute {
		t.Errorf("invalid duration should fall back to default, got %s", cfg.BreakerCooldown)
	}
}

func TestInstanceMapParsing(t *testing.T) {
	t.Setenv("INSTANCE_MAP", "clinic-a=inst-a, clinic-b = inst-b ,broken,=empty")

	cfg := Load()

	if len(cfg.InstanceMap) != 2 {
		t.Fatalf("expected 2 mappings, got %v", cfg.InstanceMap)
	}
	if cfg.InstanceMap["clinic-a"] != "inst-a" || cfg.InstanceMap["clinic-b"] != "inst-b" {
		t.Errorf("unexpected mappings: %v", cfg.InstanceMap)
	}
}

func TestInstanceMapEmpty(t *testing.T) {
	t.Setenv("INSTANCE_MAP", "")

	if cfg := Load(); cfg.InstanceMap != nil {
		t.Errorf("expected nil map, got %v", cfg.InstanceMap)
	}
}
