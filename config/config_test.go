package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.PresenceWorkers != 8 {
		t.Errorf("PresenceWorkers = %d, want 8", cfg.PresenceWorkers)
	}
	if cfg.DispatchBackoffMax != 30*time.Second {
		t.Errorf("DispatchBackoffMax = %s, want 30s", cfg.DispatchBackoffMax)
	}
	if cfg.RuleCacheTTL != 5*time.Minute {
		t.Errorf("RuleCacheTTL = %s, want 5m", cfg.RuleCacheTTL)
	}
	if !cfg.IgnoreBots {
		t.Errorf("IgnoreBots default should be true")
	}
	if cfg.PresenceRetryInterval != 30*time.Second {
		t.Errorf("PresenceRetryInterval = %s, want 30s", cfg.PresenceRetryInterval)
	}
	if cfg.TraceSampleRatio != 0.25 {
		t.Errorf("TraceSampleRatio = %v, want 0.25", cfg.TraceSampleRatio)
	}
}

func TestLoadRejectsSampleRatioOutOfRange(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "1.5")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for sample ratio above 1")
	}
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "1")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TraceSampleRatio != 1 {
		t.Errorf("TraceSampleRatio = %v, want 1", cfg.TraceSampleRatio)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PRESENCE_WORKERS", "3")
	t.Setenv("DISPATCH_CALL_TIMEOUT", "2s")
	t.Setenv("DISPATCH_RATE_PER_SECOND", "0.5")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PresenceWorkers != 3 {
		t.Errorf("PresenceWorkers = %d, want 3", cfg.PresenceWorkers)
	}
	if cfg.DispatchCallTimeout != 2*time.Second {
		t.Errorf("DispatchCallTimeout = %s, want 2s", cfg.DispatchCallTimeout)
	}
	if cfg.DispatchRatePerSecond != 0.5 {
		t.Errorf("DispatchRatePerSecond = %v, want 0.5", cfg.DispatchRatePerSecond)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("PRESENCE_WORKERS", "0")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for zero workers")
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	t.Setenv("RULE_CACHE_TTL", "five minutes")
	if _, err := Load(); err == nil {
		t.Errorf("expected parse error for malformed duration")
	}
}

func TestValidateGatewayReady(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "abc")
	cfg, _ := Load()
	if err := cfg.ValidateGatewayReady(); err != nil {
		t.Errorf("expected valid gateway config, got %v", err)
	}
	t.Setenv("DISCORD_TOKEN", "")
	cfg, _ = Load()
	if err := cfg.ValidateGatewayReady(); err == nil {
		t.Errorf("expected error when DISCORD_TOKEN missing")
	}
}

func TestAdminConfigured(t *testing.T) {
	c := &Config{}
	if c.AdminConfigured() {
		t.Errorf("empty config should not be admin configured")
	}
	c.AdminUsername = "admin"
	if c.AdminConfigured() {
		t.Errorf("username without password should not count")
	}
	c.AdminPassword = "secret"
	if !c.AdminConfigured() {
		t.Errorf("username and password should count")
	}
	if !(&Config{AdminToken: "t"}).AdminConfigured() {
		t.Errorf("token should count")
	}
}
