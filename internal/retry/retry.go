// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	fderrors "frontdoor/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the number of retries after the first call (0 = no retry)
	MaxAttempts int `yaml:"maxAttempts"`
	// InitialDelay is the wait before the first retry
	InitialDelay time.Duration `yaml:"initialDelay"`
	// MaxDelay caps every wait
	MaxDelay time.Duration `yaml:"maxDelay"`
	// Multiplier grows the delay between attempts
	Multiplier float64 `yaml:"multiplier"`
	// Jitter spreads delays by +/-25%
	Jitter bool `yaml:"jitter"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryable reports whether err is worth another attempt. Context errors,
// permanent errors and invalid configuration are not.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	return fderrors.TypeOf(err) != fderrors.ErrorTypeInvalidConfiguration
}

// Retrier runs operations with backoff
type Retrier struct {
	config  Config
	onRetry func(attempt int, err error, delay time.Duration)
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Retrier
type Option func(*Retrier)

// WithNotify registers a callback invoked before each wait
func WithNotify(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *Retrier) { r.onRetry = fn }
}

// New creates a retrier, filling zero fields from DefaultConfig
func New(config Config, opts ...Option) *Retrier {
	defaults := DefaultConfig()
	if config.MaxAttempts < 0 {
		config.MaxAttempts = 0
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier <= 1 {
		config.Multiplier = defaults.Multiplier
	}

	r := &Retrier{config: config, sleep: sleepCtx}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do calls fn until it succeeds or returns a non-retryable error. When the
// attempts run out it returns an *Error wrapping the last failure; when ctx
// ends first it returns the context error.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return unwrapPermanent(err)
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.Delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt+1, err, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &Error{Err: lastErr, Attempts: attempts}
}

// Delay returns the wait after the given zero-based attempt
func (r *Retrier) Delay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += (rand.Float64()*2 - 1) * delay * 0.25
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Error is returned when every attempt failed
type Error struct {
	Err      error
	Attempts int
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

// Permanent marks err so Do returns it without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}
