package xrelay

import "time"

// ConsumerConfig tunes one consumer's receive cycle.
type ConsumerConfig struct {
	// MaxMessages is the receive batch size.
	MaxMessages int
	// WaitTime is the receive long-poll duration.
	WaitTime time.Duration
	// DedupTTL is how long processed keys are remembered.
	DedupTTL time.Duration
	// DedupKey derives the dedup key of a delivery.
	DedupKey DedupKeyFunc
	// IdleDelay is slept by the loop after an empty receive.
	IdleDelay time.Duration
	// Middlewares wrap every listener of this consumer, after the relay-wide ones.
	Middlewares []Middleware
	// Listeners are registered when the consumer is built.
	Listeners []Listener
}

// DefaultConsumerConfig mirrors the usual SQS-style long-poll settings.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MaxMessages: 10,
		WaitTime:    5 * time.Second,
		DedupTTL:    DefaultDedupTTL,
		DedupKey:    DedupByMessageID(),
	}
}

func (c *ConsumerConfig) normalize() {
	if c.MaxMessages < 1 {
		c.MaxMessages = 1
	}
	if c.WaitTime < 0 {
		c.WaitTime = 0
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = DefaultDedupTTL
	}
	if c.DedupKey == nil {
		c.DedupKey = DedupByMessageID()
	}
}

// ConsumerOption customizes a consumer built by Relay.NewConsumer.
type ConsumerOption func(*ConsumerConfig)

func WithMaxMessages(n int) ConsumerOption {
	return func(c *ConsumerConfig) { c.MaxMessages = n }
}

func WithWaitTime(d time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) { c.WaitTime = d }
}

func WithDedupTTL(d time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) { c.DedupTTL = d }
}

// WithDedupKey selects how the dedup key is derived (see DedupByMessageID,
// DedupByAttribute and DedupByField).
func WithDedupKey(fn DedupKeyFunc) ConsumerOption {
	return func(c *ConsumerConfig) { c.DedupKey = fn }
}

func WithIdleDelay(d time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) { c.IdleDelay = d }
}

func WithConsumerMiddleware(mws ...Middleware) ConsumerOption {
	return func(c *ConsumerConfig) { c.Middlewares = append(c.Middlewares, mws...) }
}

func WithListeners(ls ...Listener) ConsumerOption {
	return func(c *ConsumerConfig) { c.Listeners = append(c.Listeners, ls...) }
}

// PublishOption customizes one Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	eventTypeName  string
	attributes     map[string]string
	idempotencyKey string
}

// WithEventTypeName overrides the event's declared type name.
func WithEventTypeName(name string) PublishOption {
	return func(o *publishOptions) { o.eventTypeName = name }
}

// WithAttributes adds string headers to the outbound message.
func WithAttributes(attrs map[string]string) PublishOption {
	return func(o *publishOptions) {
		if o.attributes == nil {
			o.attributes = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			o.attributes[k] = v
		}
	}
}

// WithIdempotencyKey sets the AttrIdempotencyKey header. Consumers using
// DedupByAttribute(AttrIdempotencyKey) treat equal keys as one event.
func WithIdempotencyKey(key string) PublishOption {
	return func(o *publishOptions) { o.idempotencyKey = key }
}
