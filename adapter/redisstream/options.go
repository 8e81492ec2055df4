package redisstream

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xrelay"
)

// Option configures the xrelay.Relay construction when calling Use.
type Option func(*xrelay.RelayBuilder)

// WithLogger injects a custom zerolog logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(b *xrelay.RelayBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xrelay.RelayBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xrelay.RelayBuilder) { b.WithCodec(name) }
}

func WithSchemas(s ...xrelay.Schema) Option {
	return func(b *xrelay.RelayBuilder) { b.WithSchemas(s...) }
}

// WithDedupStore sets the dedup store shared by consumers.
func WithDedupStore(s xrelay.DedupStore) Option {
	return func(b *xrelay.RelayBuilder) { b.WithDedupStore(s) }
}

// WithMiddleware adds listener middlewares.
func WithMiddleware(mw ...xrelay.Middleware) Option {
	return func(b *xrelay.RelayBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets the XACK timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xrelay.RelayBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(b *xrelay.RelayBuilder) { b.WithObserver(obs...) }
}

func WithConsumerDefaults(opts ...xrelay.ConsumerOption) Option {
	return func(b *xrelay.RelayBuilder) { b.WithConsumerDefaults(opts...) }
}
