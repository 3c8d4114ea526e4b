package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff yields successive wait intervals between retry attempts.
type Backoff interface {
	// Next returns the wait before the next attempt, or 0 when the
	// attempt budget is exhausted.
	Next() time.Duration

	// Reset restores the initial state so the strategy can be reused.
	Reset()
}

// BackoffConfig configures exponential backoff.
type BackoffConfig struct {
	// InitialInterval is the wait before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the wait between attempts.
	MaxInterval time.Duration

	// Multiplier scales the interval after each attempt.
	Multiplier float64

	// MaxRetries is the attempt budget. Zero means unlimited.
	MaxRetries int

	// JitterFactor randomizes each interval by up to this fraction in
	// either direction. Zero disables jitter.
	JitterFactor float64
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
		JitterFactor:    0.1,
	}
}

// ExponentialBackoff grows the wait geometrically up to a cap.
type ExponentialBackoff struct {
	config   BackoffConfig
	current  time.Duration
	attempts int
}

// NewExponentialBackoff creates an exponential backoff. Non-positive
// intervals and multipliers below one are replaced with defaults.
func NewExponentialBackoff(config BackoffConfig) *ExponentialBackoff {
	def := DefaultBackoffConfig()
	if config.InitialInterval <= 0 {
		config.InitialInterval = def.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = def.MaxInterval
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	return &ExponentialBackoff{
		config:  config,
		current: config.InitialInterval,
	}
}

// Next implements Backoff.Next.
func (b *ExponentialBackoff) Next() time.Duration {
	if b.config.MaxRetries > 0 && b.attempts >= b.config.MaxRetries {
		return 0
	}
	b.attempts++

	interval := b.addJitter(b.current)

	next := time.Duration(float64(b.current) * b.config.Multiplier)
	if next > b.config.MaxInterval {
		next = b.config.MaxInterval
	}
	b.current = next

	return interval
}

// Reset implements Backoff.Reset.
func (b *ExponentialBackoff) Reset() {
	b.current = b.config.InitialInterval
	b.attempts = 0
}

// Attempts returns the number of intervals handed out so far.
func (b *ExponentialBackoff) Attempts() int {
	return b.attempts
}

func (b *ExponentialBackoff) addJitter(d time.Duration) time.Duration {
	if b.config.JitterFactor <= 0 {
		return d
	}
	spread := float64(d) * b.config.JitterFactor
	jittered := time.Duration(float64(d) + spread*(rand.Float64()*2-1))
	if jittered < 0 {
		return 0
	}
	return jittered
}

// ConstantBackoff waits the same interval between every attempt.
type ConstantBackoff struct {
	interval   time.Duration
	maxRetries int
	attempts   int
}

// NewConstantBackoff creates a constant backoff with the given attempt
// budget. A zero budget means unlimited attempts.
func NewConstantBackoff(interval time.Duration, maxRetries int) *ConstantBackoff {
	return &ConstantBackoff{
		interval:   interval,
		maxRetries: maxRetries,
	}
}

// Next implements Backoff.Next.
func (b *ConstantBackoff) Next() time.Duration {
	if b.maxRetries > 0 && b.attempts >= b.maxRetries {
		return 0
	}
	b.attempts++
	return b.interval
}

// Reset implements Backoff.Reset.
func (b *ConstantBackoff) Reset() {
	b.attempts = 0
}

// Retry runs op until it succeeds, fails with a non-retryable error,
// exhausts the backoff budget, or ctx ends. A nil retryable predicate
// treats every error as retryable. Whatever op last returned
// accompanies the final error.
func Retry[T any](ctx context.Context, b Backoff, retryable func(error) bool, op func(context.Context) (T, error)) (T, error) {
	for {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if retryable != nil && !retryable(err) {
			return result, err
		}

		wait := b.Next()
		if wait == 0 {
			return result, err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}
