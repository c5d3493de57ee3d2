package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/compressd/internal/compress"
	"github.com/kiranshivaraju/compressd/internal/metrics"
)

// ActivityOptions is the execution policy of one activity invocation.
type ActivityOptions struct {
	// StartToCloseTimeout bounds a single attempt.
	StartToCloseTimeout time.Duration
	// MaxAttempts bounds the total number of attempts, first one included.
	MaxAttempts int
	// InitialInterval and MaxInterval shape the exponential retry delay.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

const (
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 30 * time.Second
)

// ActivityTimeoutError is returned when an attempt outlives its StartToCloseTimeout.
type ActivityTimeoutError struct {
	Activity string
	Timeout  time.Duration
}

func (e *ActivityTimeoutError) Error() string {
	return fmt.Sprintf("activity %s timed out after %s", e.Activity, e.Timeout)
}

// ApplicationError marks a failure that retrying cannot fix.
type ApplicationError struct {
	Err error
}

func (e *ApplicationError) Error() string { return e.Err.Error() }
func (e *ApplicationError) Unwrap() error { return e.Err }

// IsApplicationError reports whether err is a non-retryable activity failure.
func IsApplicationError(err error) bool {
	var appErr *ApplicationError
	var decodeErr *compress.DecodeError
	var formatErr *compress.UnsupportedFormatError
	return errors.As(err, &appErr) || errors.As(err, &decodeErr) || errors.As(err, &formatErr)
}

type attemptResult[T any] struct {
	val T
	err error
}

// executeActivity runs fn under opts. Every attempt gets its own deadline;
// infrastructure failures are retried with exponential backoff until
// MaxAttempts is spent, application failures return at once. fn keeps running
// in the background if it ignores its context past the deadline.
func executeActivity[T any](ctx context.Context, name string, opts ActivityOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	attempt := 0

	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(context.Cause(ctx))
		}
		attempt++
		val, err := runAttempt(ctx, name, opts.StartToCloseTimeout, fn)
		if err == nil {
			result = val
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(context.Cause(ctx))
		}
		if IsApplicationError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		metrics.ActivityRetriesTotal.WithLabelValues(name).Inc()
		slog.Debug("activity attempt failed, retrying",
			"activity", name, "attempt", attempt, "retry_in", next, "error", err)
	}

	if err := backoff.RetryNotify(op, retryPolicy(ctx, opts), notify); err != nil {
		var zero T
		if ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}
		return zero, err
	}
	return result, nil
}

func retryPolicy(ctx context.Context, opts ActivityOptions) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultInitialInterval
	}
	b.MaxInterval = opts.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaultMaxInterval
	}
	b.MaxElapsedTime = 0

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
}

func runAttempt[T any](ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in activity", "activity", name, "panic", r, "stack", string(debug.Stack()))
				done <- attemptResult[T]{err: &ApplicationError{Err: fmt.Errorf("activity %s panicked: %v", name, r)}}
			}
		}()
		val, err := fn(attemptCtx)
		done <- attemptResult[T]{val: val, err: err}
	}()

	var res attemptResult[T]
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res.err = attemptCtx.Err()
	}
	if res.err != nil && attemptCtx.Err() != nil {
		switch {
		case ctx.Err() != nil:
			res.err = context.Cause(ctx)
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			res.err = &ActivityTimeoutError{Activity: name, Timeout: timeout}
		}
	}
	metrics.ActivityDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	var timeoutErr *ActivityTimeoutError
	switch {
	case res.err == nil:
		metrics.ActivityAttemptsTotal.WithLabelValues(name, "ok").Inc()
	case errors.As(res.err, &timeoutErr):
		metrics.ActivityAttemptsTotal.WithLabelValues(name, "timeout").Inc()
	default:
		metrics.ActivityAttemptsTotal.WithLabelValues(name, "error").Inc()
	}
	return res.val, res.err
}
