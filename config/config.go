// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials (the Discord bot token), use ValidateGatewayReady.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Discord
	DiscordToken string `env:"DISCORD_TOKEN"`
	IgnoreBots   bool   `env:"IGNORE_BOTS" envDefault:"true"`

	// Database. Empty runs the engine against an in-memory ledger with no rules.
	DBDsn string `env:"DB_DSN"`

	// HTTP
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Presence processor
	PresenceWorkers       int           `env:"PRESENCE_WORKERS" envDefault:"8"`
	PresenceQueueSize     int           `env:"PRESENCE_QUEUE_SIZE" envDefault:"256"`
	PresenceDeferAttempts int           `env:"PRESENCE_DEFER_ATTEMPTS" envDefault:"5"`
	PresenceDeferBackoff  time.Duration `env:"PRESENCE_DEFER_BACKOFF" envDefault:"500ms"`
	PresenceRetryInterval time.Duration `env:"PRESENCE_RETRY_INTERVAL" envDefault:"30s"`

	// Role operation dispatcher
	DispatchMaxAttempts   int           `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"5"`
	DispatchBackoffBase   time.Duration `env:"DISPATCH_BACKOFF_BASE" envDefault:"500ms"`
	DispatchBackoffMax    time.Duration `env:"DISPATCH_BACKOFF_MAX" envDefault:"30s"`
	DispatchCallTimeout   time.Duration `env:"DISPATCH_CALL_TIMEOUT" envDefault:"10s"`
	DispatchRatePerSecond float64       `env:"DISPATCH_RATE_PER_SECOND" envDefault:"5"`
	DispatchBurst         int           `env:"DISPATCH_BURST" envDefault:"5"`

	// Override rule cache
	RuleCacheSize int           `env:"RULE_CACHE_SIZE" envDefault:"1024"`
	RuleCacheTTL  time.Duration `env:"RULE_CACHE_TTL" envDefault:"5m"`

	// Admin surface
	AdminToken             string        `env:"ADMIN_TOKEN"`
	AdminUsername          string        `env:"ADMIN_USERNAME"`
	AdminPassword          string        `env:"ADMIN_PASSWORD"`
	RateLimitEnabled       bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitRequestsPerIP int           `env:"RATE_LIMIT_REQUESTS_PER_IP" envDefault:"10"`
	RateLimitWindow        time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// Tracing. An empty endpoint disables the OTLP exporter.
	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	TraceSampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"0.25"`
}

// Load reads environment variables and applies defaults. It doesn't fail if the Discord token is missing;
// use ValidateGatewayReady() when the gateway is required.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that sizes and budgets are usable.
func (c *Config) Validate() error {
	switch {
	case c.PresenceWorkers <= 0:
		return fmt.Errorf("PRESENCE_WORKERS must be positive, got %d", c.PresenceWorkers)
	case c.PresenceQueueSize <= 0:
		return fmt.Errorf("PRESENCE_QUEUE_SIZE must be positive, got %d", c.PresenceQueueSize)
	case c.PresenceDeferAttempts <= 0:
		return fmt.Errorf("PRESENCE_DEFER_ATTEMPTS must be positive, got %d", c.PresenceDeferAttempts)
	case c.PresenceRetryInterval <= 0:
		return fmt.Errorf("PRESENCE_RETRY_INTERVAL must be positive, got %s", c.PresenceRetryInterval)
	case c.DispatchMaxAttempts <= 0:
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be positive, got %d", c.DispatchMaxAttempts)
	case c.DispatchCallTimeout <= 0:
		return fmt.Errorf("DISPATCH_CALL_TIMEOUT must be positive, got %s", c.DispatchCallTimeout)
	case c.DispatchRatePerSecond <= 0 || c.DispatchBurst <= 0:
		return fmt.Errorf("DISPATCH_RATE_PER_SECOND and DISPATCH_BURST must be positive")
	case c.RuleCacheSize <= 0:
		return fmt.Errorf("RULE_CACHE_SIZE must be positive, got %d", c.RuleCacheSize)
	case c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1:
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0, 1], got %v", c.TraceSampleRatio)
	case c.RateLimitEnabled && (c.RateLimitRequestsPerIP <= 0 || c.RateLimitWindow <= 0):
		return fmt.Errorf("RATE_LIMIT_REQUESTS_PER_IP and RATE_LIMIT_WINDOW must be positive when rate limiting is enabled")
	}
	return nil
}

// ValidateGatewayReady checks required fields when connecting to the Discord gateway.
func (c *Config) ValidateGatewayReady() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("missing discord env: require DISCORD_TOKEN")
	}
	return nil
}

// AdminConfigured reports whether any admin credential is set.
func (c *Config) AdminConfigured() bool {
	return c.AdminToken != "" || (c.AdminUsername != "" && c.AdminPassword != "")
}
