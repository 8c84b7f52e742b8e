package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	// DefaultMaxRetries is the number of retries after the initial attempt.
	DefaultMaxRetries = 5
	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = 1 * time.Second
	// DefaultMaxDelay caps the exponential growth.
	DefaultMaxDelay = 60 * time.Second
)

// Policy computes exponential backoff delays and drives retry loops.
// A Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	jitter     bool

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a backoff policy. Non-positive arguments fall back to defaults.
func New(maxRetries int, baseDelay, maxDelay time.Duration, jitter bool) *Policy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &Policy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		jitter:     jitter,
		sleep:      sleepContext,
	}
}

// MaxRetries returns the configured retry cap.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Delay returns the backoff delay for the given zero-based attempt:
// min(baseDelay * 2^attempt, maxDelay), multiplied by a uniform random
// factor in [0.75, 1.25] when jitter is enabled.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			delay = p.maxDelay
			break
		}
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}

	if p.jitter {
		factor := 0.75 + 0.5*rand.Float64() //nolint:gosec // jitter doesn't need crypto randomness
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// permanentError marks an error Execute must not retry.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Execute stops retrying and returns err as-is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Execute runs op up to MaxRetries+1 times, sleeping Delay(attempt) between
// attempts. The error of the final attempt is returned. An error wrapped with
// Permanent stops the loop immediately. Context cancellation interrupts the
// sleep and returns the context error; op itself decides how to honor the
// context.
func (p *Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == p.maxRetries {
			break
		}
		if sleepErr := p.sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// sleepContext sleeps for d or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
