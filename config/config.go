// Package config aggregates subsystem configuration for the pipeline engine.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/victoralfred/gopipe/observability"
	"github.com/victoralfred/gopipe/pool"
	"github.com/victoralfred/gopipe/resilience"
)

// Config is the full engine configuration. Zero values are tolerated;
// Validate normalizes what it can and rejects what it cannot.
type Config struct {
	CircuitBreaker resilience.CircuitBreakerConfig
	RateLimiter    resilience.RateLimiterConfig
	Telemetry      observability.TelemetryConfig
	PolicyPath     string
	PolicyBasePath string
	Executor       ExecutorConfig
	Audit          observability.AuditConfig
	Pool           pool.Config
}

// ExecutorConfig configures the executor itself.
type ExecutorConfig struct {
	// DefaultTimeout bounds runs when neither the pipeline nor the
	// policy carries a timeout.
	DefaultTimeout time.Duration

	// EnableRateLimit gates launches through the rate limiter.
	EnableRateLimit bool

	// EnableCircuitBreaker trips runs per entry program after
	// repeated failures.
	EnableCircuitBreaker bool

	// EnableMetrics records run counters and durations.
	EnableMetrics bool

	// EnableTracing emits spans around runs.
	EnableTracing bool

	// EnableAudit appends run outcomes to the audit log.
	EnableAudit bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Executor: ExecutorConfig{
			DefaultTimeout:       30 * time.Second,
			EnableRateLimit:      true,
			EnableCircuitBreaker: true,
			EnableMetrics:        true,
			EnableTracing:        true,
			EnableAudit:          true,
		},
		Pool:           pool.DefaultConfig(),
		RateLimiter:    resilience.DefaultRateLimiterConfig(),
		CircuitBreaker: resilience.DefaultCircuitBreakerConfig(),
		Telemetry:      observability.DefaultTelemetryConfig(),
		Audit:          observability.DefaultAuditConfig(),
		PolicyPath:     "policy.yaml",
		PolicyBasePath: "/etc/gopipe",
	}
}

// DevelopmentConfig returns configuration suitable for local development:
// long timeouts, generous limits, full audit output.
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.Executor.DefaultTimeout = 60 * time.Second
	cfg.RateLimiter.DefaultLimit = 1000
	cfg.RateLimiter.DefaultBurst = 2000
	cfg.CircuitBreaker.FailureThreshold = 10
	cfg.Audit.LogLevel = observability.AuditLogAll
	cfg.Audit.IncludeOutput = true
	return cfg
}

// ProductionConfig returns configuration suitable for production.
func ProductionConfig() Config {
	cfg := DefaultConfig()
	cfg.Executor.DefaultTimeout = 30 * time.Second
	cfg.RateLimiter.DefaultLimit = 100
	cfg.RateLimiter.DefaultBurst = 150
	cfg.CircuitBreaker.FailureThreshold = 5
	cfg.CircuitBreaker.Timeout = 60 * time.Second
	cfg.Audit.LogLevel = observability.AuditLogAll
	cfg.Audit.IncludeOutput = false
	return cfg
}

// RestrictedConfig returns a highly restrictive configuration for
// hosts running untrusted pipeline definitions.
func RestrictedConfig() Config {
	cfg := ProductionConfig()
	cfg.RateLimiter.DefaultLimit = 10
	cfg.RateLimiter.DefaultBurst = 20
	cfg.CircuitBreaker.FailureThreshold = 3
	cfg.Pool.MinWorkers = 1
	cfg.Pool.MaxWorkers = 4
	cfg.Pool.QueueSize = 32
	return cfg
}

// Validate normalizes soft fields and rejects contradictions.
func (c *Config) Validate() error {
	if c.Executor.DefaultTimeout <= 0 {
		c.Executor.DefaultTimeout = 30 * time.Second
	}

	if c.RateLimiter.DefaultLimit < 0 {
		return fmt.Errorf("rate limit must be non-negative, got %v", c.RateLimiter.DefaultLimit)
	}
	if c.CircuitBreaker.FailureThreshold < 0 {
		return fmt.Errorf("failure threshold must be non-negative, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.Executor.EnableAudit && c.Audit.Enabled && c.Audit.BasePath == "" {
		return errors.New("audit is enabled but no base path is set")
	}

	return nil
}
