package xrelay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrelay"
)

func failing(n int, err error) (xrelay.ProcessFunc, *int) {
	calls := 0
	return func(context.Context, xrelay.Event, *xrelay.Envelope) error {
		calls++
		if calls <= n {
			return err
		}
		return nil
	}, &calls
}

func TestRetryMiddleware(t *testing.T) {
	fn, calls := failing(2, errBoom)
	h := xrelay.RetryMiddleware(xrelay.RetryConfig{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	})(fn)

	require.NoError(t, h(context.Background(), xrelay.Record{}, &xrelay.Envelope{}))
	assert.Equal(t, 3, *calls)
}

func TestRetryMiddleware_GivesUp(t *testing.T) {
	fn, calls := failing(10, errBoom)
	h := xrelay.RetryMiddleware(xrelay.RetryConfig{MaxAttempts: 2})(fn)
	assert.ErrorIs(t, h(context.Background(), xrelay.Record{}, &xrelay.Envelope{}), errBoom)
	assert.Equal(t, 2, *calls)
}

func TestRetryMiddleware_RetryIf(t *testing.T) {
	permanent := errors.New("permanent")
	fn, calls := failing(10, permanent)
	h := xrelay.RetryMiddleware(xrelay.RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	})(fn)
	assert.ErrorIs(t, h(context.Background(), xrelay.Record{}, &xrelay.Envelope{}), permanent)
	assert.Equal(t, 1, *calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, _ xrelay.Event, _ *xrelay.Envelope) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}
	h := xrelay.TimeoutMiddleware(10 * time.Millisecond)(slow)
	assert.ErrorIs(t, h(context.Background(), xrelay.Record{}, &xrelay.Envelope{}), context.DeadlineExceeded)

	fast, _ := failing(0, nil)
	assert.NoError(t, xrelay.TimeoutMiddleware(0)(fast)(context.Background(), xrelay.Record{}, &xrelay.Envelope{}))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := xrelay.RecoveryMiddleware()(func(context.Context, xrelay.Event, *xrelay.Envelope) error {
		panic("kaboom")
	})
	err := h(context.Background(), xrelay.Record{}, &xrelay.Envelope{})
	var pe *xrelay.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.ErrorContains(t, err, "kaboom")
}

func TestExponentialBackoff(t *testing.T) {
	b := xrelay.ExponentialBackoff(50*time.Millisecond, 300*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, b(0))
	assert.Equal(t, 50*time.Millisecond, b(1))
	assert.Equal(t, 100*time.Millisecond, b(2))
	assert.Equal(t, 200*time.Millisecond, b(3))
	assert.Equal(t, 300*time.Millisecond, b(4))
	assert.Equal(t, 300*time.Millisecond, b(40))
}

func TestSkipMiddleware(t *testing.T) {
	fn, calls := failing(0, nil)
	h := xrelay.SkipMiddleware(func(ev xrelay.Event, _ *xrelay.Envelope) bool {
		return ev.(xrelay.Record).String("region") == "eu"
	})(fn)

	require.NoError(t, h(context.Background(), xrelay.Record{"region": "eu"}, &xrelay.Envelope{}))
	require.NoError(t, h(context.Background(), xrelay.Record{"region": "us"}, &xrelay.Envelope{}))
	assert.Equal(t, 1, *calls)
}

func TestChain_Order(t *testing.T) {
	var trace []string
	mark := func(name string) xrelay.Middleware {
		return func(next xrelay.ProcessFunc) xrelay.ProcessFunc {
			return func(ctx context.Context, ev xrelay.Event, env *xrelay.Envelope) error {
				trace = append(trace, name)
				return next(ctx, ev, env)
			}
		}
	}
	h := xrelay.Chain(func(context.Context, xrelay.Event, *xrelay.Envelope) error {
		trace = append(trace, "listener")
		return nil
	}, mark("outer"), nil, mark("inner"))

	require.NoError(t, h(context.Background(), xrelay.Record{}, &xrelay.Envelope{}))
	assert.Equal(t, []string{"outer", "inner", "listener"}, trace)
}

func TestConsumer_RelayAndConsumerMiddleware(t *testing.T) {
	br := newFakeBroker([]*xrelay.Envelope{envelope("m1", productAdded)})
	var trace []string
	mark := func(name string) xrelay.Middleware {
		return func(next xrelay.ProcessFunc) xrelay.ProcessFunc {
			return func(ctx context.Context, ev xrelay.Event, env *xrelay.Envelope) error {
				trace = append(trace, name)
				return next(ctx, ev, env)
			}
		}
	}
	r := buildRelay(t, br, func(b *xrelay.RelayBuilder) { b.WithMiddleware(mark("relay")) })
	c := newConsumer(t, r,
		xrelay.WithConsumerMiddleware(mark("consumer")),
		xrelay.WithListeners(newRecorder("ProductAdded")),
	)

	_, err := c.ConsumeEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"relay", "consumer"}, trace)
}
