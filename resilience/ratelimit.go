// Package resilience provides rate limiting and circuit breaker functionality.
package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter controls pipeline launch rate, keyed by the first
// stage's program.
type RateLimiter interface {
	// Allow checks if execution is allowed for the given program.
	Allow(program string) bool

	// Wait blocks until execution is allowed or context is canceled.
	Wait(ctx context.Context, program string) error

	// SetLimit updates the rate limit for a program.
	SetLimit(program string, limit rate.Limit, burst int)
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// DefaultLimit is the default launches per second.
	DefaultLimit float64

	// DefaultBurst is the default burst size.
	DefaultBurst int

	// PerProgram enables per-program rate limiting.
	PerProgram bool

	// ProgramLimits contains per-program rate limits.
	ProgramLimits map[string]ProgramLimit
}

// ProgramLimit defines the rate limit for a specific program.
type ProgramLimit struct {
	Limit float64
	Burst int
}

// DefaultRateLimiterConfig returns default configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		DefaultLimit:  100,
		DefaultBurst:  150,
		PerProgram:    true,
		ProgramLimits: make(map[string]ProgramLimit),
	}
}

// rateLimiter implements RateLimiter.
type rateLimiter struct {
	config          RateLimiterConfig
	globalLimiter   *rate.Limiter
	programLimiters map[string]*rate.Limiter
	mu              sync.RWMutex
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig) RateLimiter {
	rl := &rateLimiter{
		config:          config,
		globalLimiter:   rate.NewLimiter(rate.Limit(config.DefaultLimit), config.DefaultBurst),
		programLimiters: make(map[string]*rate.Limiter),
	}

	// Initialize per-program limiters
	for program, limit := range config.ProgramLimits {
		rl.programLimiters[program] = rate.NewLimiter(rate.Limit(limit.Limit), limit.Burst)
	}

	return rl
}

// Allow implements RateLimiter.Allow.
func (rl *rateLimiter) Allow(program string) bool {
	if !rl.config.PerProgram {
		return rl.globalLimiter.Allow()
	}

	limiter := rl.getLimiter(program)
	return limiter.Allow()
}

// Wait implements RateLimiter.Wait.
func (rl *rateLimiter) Wait(ctx context.Context, program string) error {
	if !rl.config.PerProgram {
		return rl.globalLimiter.Wait(ctx)
	}

	limiter := rl.getLimiter(program)
	return limiter.Wait(ctx)
}

// SetLimit implements RateLimiter.SetLimit.
func (rl *rateLimiter) SetLimit(program string, limit rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, ok := rl.programLimiters[program]; ok {
		limiter.SetLimit(limit)
		limiter.SetBurst(burst)
	} else {
		rl.programLimiters[program] = rate.NewLimiter(limit, burst)
	}
}

func (rl *rateLimiter) getLimiter(program string) *rate.Limiter {
	rl.mu.RLock()
	limiter, ok := rl.programLimiters[program]
	rl.mu.RUnlock()

	if ok {
		return limiter
	}

	// Create new limiter with default settings
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if existing, ok := rl.programLimiters[program]; ok {
		return existing
	}

	newLimiter := rate.NewLimiter(rate.Limit(rl.config.DefaultLimit), rl.config.DefaultBurst)
	rl.programLimiters[program] = newLimiter
	return newLimiter
}
