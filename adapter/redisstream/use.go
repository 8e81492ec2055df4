package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xrelay"
)

// Use builds a Relay over Redis Streams. It fails when Redis is unreachable.
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
		return nil, fmt.Errorf("redisstream.Use: %w", err)
	}
	return relay, nil
}
