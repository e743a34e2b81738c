// Package retry runs an operation with bounded attempts, an optional
// per-attempt timeout and backoff between attempts. It has no knowledge of
// what it retries; provider calls and the deferred job queue both use it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/vietddude/sheetsign/internal/core/failure"
)

var errAttemptTimedOut = errors.New("attempt timed out")

// Operation is one attempt. It must honour ctx cancellation in its I/O.
type Operation[T any] func(ctx context.Context) (T, error)

// Options configures Run.
type Options struct {
	// MaxAttempts is the total number of attempts, at least 1.
	MaxAttempts int
	// Timeout bounds a single attempt. 0 disables the per-attempt timer.
	Timeout time.Duration
	Backoff *Backoff
	// ShouldRetry decides if a failed attempt is retried. Defaults to
	// retrying TEMPORARY errors only.
	ShouldRetry func(err error) bool
	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Run invokes op until it succeeds, the attempts run out, or ShouldRetry
// rejects the error. The last error is returned unchanged.
func Run[T any](ctx context.Context, op Operation[T], opts Options) (T, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = failure.IsRetryable
	}

	var (
		result  T
		attempt int
		lastErr error
	)

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= maxAttempts {
			return 0, true
		}
		delay := Delay(opts.Backoff, attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, lastErr, delay)
		}
		return delay, false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		v, err := runAttempt(ctx, op, opts.Timeout)
		if err == nil {
			result = v
			return nil
		}
		lastErr = err
		if attempt >= maxAttempts || !shouldRetry(err) {
			return err
		}
		return goretry.RetryableError(err)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Do is Run for operations without a result.
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	_, err := Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

type outcome[T any] struct {
	value T
	err   error
}

// runAttempt races op against the attempt timer. On expiry the attempt
// context is cancelled and a TEMPORARY timeout error is returned; the
// operation is expected to notice the cancellation and stop.
func runAttempt[T any](ctx context.Context, op Operation[T], timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return safeCall(ctx, op)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := safeCall(attemptCtx, op)
		done <- outcome[T]{value: v, err: err}
	}()

	var zero T
	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, timedOut(timeout)
		}
		return out.value, out.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, timedOut(timeout)
	}
}

func timedOut(timeout time.Duration) error {
	return failure.Temporary(
		failure.CodeAttemptTimedOut,
		fmt.Errorf("%w after %s", errAttemptTimedOut, timeout),
	)
}

func safeCall[T any](ctx context.Context, op Operation[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.FromPanic(r)
		}
	}()
	return op(ctx)
}
