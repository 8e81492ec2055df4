package memory

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xrelay"
)

// Use builds a Relay over a fresh in-memory broker.
//
// Example:
//
//	relay, err := memory.Use(memory.Config{VisibilityTimeout: 10 * time.Second},
//	    memory.WithLogger(&logger),
//	    memory.WithSchemas(xrelay.NewSchema[ProductAdded]("ProductAdded")),
//	)
func Use(cfg Config, opts ...Option) (*xrelay.Relay, error) {
	rb := xrelay.NewRelayBuilder().
		WithBroker(BrokerName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(rb)
		}
	}

	relay, err := rb.Build()
	if err != nil {
		return nil, fmt.Errorf("memory.Use: %w", err)
	}
	return relay, nil
}

// Option configures the xrelay.Relay when calling Use.
type Option func(*xrelay.RelayBuilder)

// WithLogger injects a custom zerolog logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(b *xrelay.RelayBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xrelay.RelayBuilder) { b.WithClock(c) }
}

// WithSchemas registers event schemas.
func WithSchemas(s ...xrelay.Schema) Option {
	return func(b *xrelay.RelayBuilder) { b.WithSchemas(s...) }
}

// WithDedupStore sets the dedup store shared by consumers.
func WithDedupStore(s xrelay.DedupStore) Option {
	return func(b *xrelay.RelayBuilder) { b.WithDedupStore(s) }
}

// WithMiddleware adds listener middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xrelay.Middleware) Option {
	return func(b *xrelay.RelayBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets the ack timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xrelay.RelayBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(b *xrelay.RelayBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xrelay.RelayBuilder) { b.WithObserverPool(workers, bufferSize) }
}

// WithConsumerDefaults sets the defaults of every consumer built by the relay.
func WithConsumerDefaults(opts ...xrelay.ConsumerOption) Option {
	return func(b *xrelay.RelayBuilder) { b.WithConsumerDefaults(opts...) }
}
