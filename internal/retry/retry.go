// Package retry provides the retry policy shared by remote git operations and the
// execution engine.
package retry

import (
	"context"
	"time"

	"github.com/sprite-ai/tiergate/internal/model"
)

// BackoffFunc returns the wait before retry number attempt (0-based).
type BackoffFunc func(attempt int) time.Duration

// Policy decides how many times an operation runs and how long to wait between runs.
type Policy struct {
	// MaxAttempts includes the initial attempt. Values < 1 are treated as 1.
	MaxAttempts int

	// Backoff computes the wait before each retry. Nil means no wait.
	Backoff BackoffFunc

	// Retryable classifies errors. Nil means model.IsTransient.
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Exponential returns base * 2^attempt, capped at max when max > 0.
func Exponential(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if base <= 0 {
			return 0
		}
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		return d
	}
}

// FromSettings builds the engine policy: retryLimit retries after the first attempt,
// exponential backoff from base.
func FromSettings(retryLimit int, base time.Duration) Policy {
	return Policy{
		MaxAttempts: retryLimit + 1,
		Backoff:     Exponential(base, 0),
		Retryable:   model.IsTransient,
	}
}

// Result reports how an operation went.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Func is one attempt. attempt is 1-based.
type Func func(ctx context.Context, attempt int) error

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are exhausted,
// or ctx is done.
func (p Policy) Do(ctx context.Context, fn Func) (Result, error) {
	start := time.Now()
	result := Result{}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = model.IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		if !retryable(err) || attempt == maxAttempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt - 1)
		}
		if wait > 0 {
			if serr := sleep(ctx, wait); serr != nil {
				result.TotalDuration = time.Since(start)
				return result, result.LastError
			}
		}
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
