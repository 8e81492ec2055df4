package xrelay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls retry behavior for listener middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware retries a failing listener in-process before the failure is
// reported. The message itself is acked either way.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, event Event, env *Envelope) error {
			var lastErr error
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}
			for i := 1; i <= attempts; i++ {
				lastErr = next(ctx, event, env)
				if lastErr == nil {
					return nil
				}
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				Logger(ctx).Debug().Err(lastErr).
					Int("attempt", i).
					Str("message_id", messageIDOf(env)).
					Msg("xrelay: retrying listener")
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}

// ExponentialBackoff doubles base after every attempt, capped at max when max > 0.
func ExponentialBackoff(base, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		return d
	}
}

// TimeoutMiddleware bounds how long the dispatcher waits for a listener.
// The listener keeps its own goroutine after the deadline; it is not interrupted.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next ProcessFunc) ProcessFunc { return next }
	}
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, event Event, env *Envelope) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- &PanicError{Value: r}
					}
				}()
				errCh <- next(tctx, event, env)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware turns listener panics into errors.
func RecoveryMiddleware() Middleware {
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, event Event, env *Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r}
					Logger(ctx).Error().Interface("panic", r).Str("message_id", messageIDOf(env)).Msg("xrelay: listener panicked")
				}
			}()
			return next(ctx, event, env)
		}
	}
}

// PanicError is returned in place of a listener panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("xrelay: listener panicked: %v", e.Value) }

// SkipMiddleware drops events for which skip returns true before they reach
// the listener. A skipped event counts as handled.
func SkipMiddleware(skip func(event Event, env *Envelope) bool) Middleware {
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, event Event, env *Envelope) error {
			if skip != nil && skip(event, env) {
				return nil
			}
			return next(ctx, event, env)
		}
	}
}

func messageIDOf(env *Envelope) string {
	if env == nil {
		return ""
	}
	return env.MessageID
}

// Chain composes middlewares around a ProcessFunc in order.
func Chain(h ProcessFunc, mws ...Middleware) ProcessFunc {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
