package sqs

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xrelay"
)

// Option configures the xrelay.Relay construction when calling Use.
type Option func(*xrelay.RelayBuilder)

func WithLogger(l *zerolog.Logger) Option {
	return func(b *xrelay.RelayBuilder) { b.WithLogger(l) }
}

func WithSchemas(s ...xrelay.Schema) Option {
	return func(b *xrelay.RelayBuilder) { b.WithSchemas(s...) }
}

// WithDedupStore sets the dedup store shared by consumers. SQS delivers at
// least once, so production setups want one.
func WithDedupStore(s xrelay.DedupStore) Option {
	return func(b *xrelay.RelayBuilder) { b.WithDedupStore(s) }
}

func WithObserver(obs ...xrelay.Observer) Option {
	return func(b *xrelay.RelayBuilder) { b.WithObserver(obs...) }
}

func WithConsumerDefaults(opts ...xrelay.ConsumerOption) Option {
	return func(b *xrelay.RelayBuilder) { b.WithConsumerDefaults(opts...) }
}

// Use builds a Relay over SNS/SQS with the default AWS credential chain.
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
		return nil, fmt.Errorf("sqs.Use: %w", err)
	}
	return relay, nil
}
