package xrelay

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

// RelayBuilder constructs Relay instances (Builder pattern).
type RelayBuilder struct {
	brokerName string
	brokerCfg  map[string]any
	brokerInst Broker

	codecName string
	codecInst Codec

	registry *Registry
	schemas  []Schema
	dedup    DedupStore

	consumerCfg ConsumerConfig
	middlewares []Middleware
	observers   []Observer
	poolWorkers int
	poolBuffer  int
	logger      *zerolog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration
}

// NewRelayBuilder returns a new builder with sensible defaults.
func NewRelayBuilder() *RelayBuilder {
	return &RelayBuilder{
		codecName:   "json",
		consumerCfg: DefaultConsumerConfig(),
		ackTimeout:  5 * time.Second, // safe default for production acknowledgments
	}
}

func (rb *RelayBuilder) WithBroker(name string, cfg map[string]any) *RelayBuilder {
	rb.brokerName = name
	rb.brokerCfg = cfg
	return rb
}

// WithBrokerInstance accepts a ready Broker instance (e.g., from adapter Use()).
func (rb *RelayBuilder) WithBrokerInstance(b Broker) *RelayBuilder {
	rb.brokerInst = b
	return rb
}

func (rb *RelayBuilder) WithCodec(name string) *RelayBuilder {
	rb.codecName = name
	return rb
}

// WithCodecInstance accepts a ready Codec instance.
func (rb *RelayBuilder) WithCodecInstance(c Codec) *RelayBuilder {
	rb.codecInst = c
	return rb
}

// WithRegistry shares an existing registry instead of creating one.
func (rb *RelayBuilder) WithRegistry(r *Registry) *RelayBuilder {
	rb.registry = r
	return rb
}

func (rb *RelayBuilder) WithSchemas(schemas ...Schema) *RelayBuilder {
	rb.schemas = append(rb.schemas, schemas...)
	return rb
}

// WithDedupStore sets the store used by every consumer. Defaults to NopDedupStore.
func (rb *RelayBuilder) WithDedupStore(s DedupStore) *RelayBuilder {
	rb.dedup = s
	return rb
}

// WithConsumerDefaults sets the configuration consumers start from.
func (rb *RelayBuilder) WithConsumerDefaults(opts ...ConsumerOption) *RelayBuilder {
	for _, opt := range opts {
		opt(&rb.consumerCfg)
	}
	return rb
}

func (rb *RelayBuilder) WithMiddleware(mw ...Middleware) *RelayBuilder {
	if len(mw) == 0 {
		return rb
	}
	rb.middlewares = append(rb.middlewares, mw...)
	return rb
}

func (rb *RelayBuilder) WithObserver(obs ...Observer) *RelayBuilder {
	for _, o := range obs {
		if o != nil {
			rb.observers = append(rb.observers, o)
		}
	}
	return rb
}

// WithObserverPool dispatches observer events asynchronously.
func (rb *RelayBuilder) WithObserverPool(workers, bufferSize int) *RelayBuilder {
	rb.poolWorkers = workers
	rb.poolBuffer = bufferSize
	return rb
}

func (rb *RelayBuilder) WithLogger(l *zerolog.Logger) *RelayBuilder {
	rb.logger = l
	return rb
}

func (rb *RelayBuilder) WithClock(c xclock.Clock) *RelayBuilder {
	rb.clock = c
	return rb
}

func (rb *RelayBuilder) WithAckTimeout(d time.Duration) *RelayBuilder {
	if d > 0 {
		rb.ackTimeout = d
	}
	return rb
}

func (rb *RelayBuilder) Build() (*Relay, error) {
	var br Broker
	var err error

	switch {
	case rb.brokerInst != nil:
		br = rb.brokerInst
	case rb.brokerName != "":
		br, err = NewBroker(rb.brokerName, rb.brokerCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoBrokerConfigured
	}

	var cd Codec
	if rb.codecInst != nil {
		cd = rb.codecInst
	} else {
		cd, err = NewCodec(rb.codecName)
		if err != nil {
			return nil, err
		}
	}

	reg := rb.registry
	if reg == nil {
		reg = &Registry{schemas: make(map[string]Schema)}
	}
	if err := reg.Register(rb.schemas...); err != nil {
		return nil, err
	}

	var clk xclock.Clock
	if rb.clock != nil {
		clk = rb.clock
	} else {
		clk = xclock.Default()
	}
	lg := rb.logger
	if lg == nil {
		l := zerolog.New(os.Stderr).With().Timestamp().Str("component", "xrelay").Logger()
		lg = &l
	}
	var dedup DedupStore = NopDedupStore{}
	if rb.dedup != nil {
		dedup = rb.dedup
	}

	r := &Relay{
		broker:      br,
		serializer:  NewSerializer(reg, cd),
		dedup:       dedup,
		codec:       cd,
		clock:       clk,
		logger:      lg,
		middlewares: rb.middlewares,
		ackTimeout:  rb.ackTimeout,
		consumerCfg: rb.consumerCfg,
		metrics:     &relayMetrics{},
	}
	if rb.poolWorkers > 0 || rb.poolBuffer > 0 {
		r.observerPool = NewObserverPool(context.Background(), rb.poolWorkers, rb.poolBuffer)
	}

	// Attach logging observer first unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range rb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		r.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range rb.observers {
		r.AddObserver(o)
	}

	return r, nil
}

// New constructs a Relay via Builder and returns a close func for convenience.
func New(init func(b *RelayBuilder)) (*Relay, func() error, error) {
	b := NewRelayBuilder()
	if init != nil {
		init(b)
	}
	r, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return r.Close(context.Background()) }
	return r, closeFn, nil
}
