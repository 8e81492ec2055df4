package xrelay

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

// Relay is the process context object: it owns the broker, the serializer
// and the dedup store, and hands out publishers and consumers bound to them.
type Relay struct {
	broker       Broker
	serializer   *Serializer
	dedup        DedupStore
	codec        Codec
	clock        xclock.Clock
	logger       *zerolog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	consumerCfg  ConsumerConfig
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *relayMetrics
	dedupDown    atomic.Int32
	closed       atomic.Bool
	closeOnce    sync.Once
}

// relayMetrics uses lock-free atomics for production-grade telemetry.
type relayMetrics struct {
	published      atomic.Uint64
	publishErrors  atomic.Uint64
	received       atomic.Uint64
	dispatched     atomic.Uint64
	duplicates     atomic.Uint64
	unrouted       atomic.Uint64
	malformed      atomic.Uint64
	listenerErrors atomic.Uint64
	acked          atomic.Uint64
	ackErrors      atomic.Uint64
	receiveErrors  atomic.Uint64
	dedupErrors    atomic.Uint64
	processingNs   atomic.Int64
}

func (r *Relay) Broker() Broker              { return r.broker }
func (r *Relay) Serializer() *Serializer     { return r.serializer }
func (r *Relay) Registry() *Registry         { return r.serializer.Registry() }
func (r *Relay) Codec() Codec                { return r.codec }
func (r *Relay) DedupStore() DedupStore      { return r.dedup }
func (r *Relay) Logger() *zerolog.Logger     { return r.logger }
func (r *Relay) Clock() xclock.Clock         { return r.clock }
func (r *Relay) ObserverPool() *ObserverPool { return r.observerPool }

// Register adds schemas to the relay's registry.
func (r *Relay) Register(schemas ...Schema) error {
	return r.serializer.Registry().Register(schemas...)
}

// NewPublisher returns a publisher bound to topic. The topic is created
// lazily on first publish.
func (r *Relay) NewPublisher(topic string) (*Publisher, error) {
	if r.closed.Load() {
		return nil, ErrRelayClosed
	}
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	return &Publisher{relay: r, topic: topic}, nil
}

// NewConsumer subscribes queue to every topic (creating the queue if absent)
// and returns a consumer reading from it.
func (r *Relay) NewConsumer(ctx context.Context, queue string, topics []string, opts ...ConsumerOption) (*Consumer, error) {
	if r.closed.Load() {
		return nil, ErrRelayClosed
	}
	if queue == "" {
		return nil, ErrInvalidQueue
	}
	for _, topic := range topics {
		if topic == "" {
			return nil, ErrInvalidTopic
		}
		if err := r.broker.Subscribe(ctx, queue, topic); err != nil {
			return nil, fmt.Errorf("xrelay: subscribe %s to %s: %w", queue, topic, err)
		}
	}

	cfg := r.consumerCfg
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()

	mws := make([]Middleware, 0, len(r.middlewares)+len(cfg.Middlewares))
	mws = append(mws, r.middlewares...)
	mws = append(mws, cfg.Middlewares...)

	c := &Consumer{
		relay:    r,
		queue:    queue,
		topics:   append([]string(nil), topics...),
		cfg:      cfg,
		dispatch: newDispatcher(mws...),
	}
	for _, l := range cfg.Listeners {
		if err := c.AddListener(l); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetMetrics returns current relay metrics.
func (r *Relay) GetMetrics() Metrics {
	var dropped uint64
	if r.observerPool != nil {
		dropped = r.observerPool.Stats().Dropped
	}
	return Metrics{
		Published:           r.metrics.published.Load(),
		PublishErrors:       r.metrics.publishErrors.Load(),
		Received:            r.metrics.received.Load(),
		Dispatched:          r.metrics.dispatched.Load(),
		Duplicates:          r.metrics.duplicates.Load(),
		Unrouted:            r.metrics.unrouted.Load(),
		Malformed:           r.metrics.malformed.Load(),
		ListenerErrors:      r.metrics.listenerErrors.Load(),
		Acked:               r.metrics.acked.Load(),
		AckErrors:           r.metrics.ackErrors.Load(),
		ReceiveErrors:       r.metrics.receiveErrors.Load(),
		DedupErrors:         r.metrics.dedupErrors.Load(),
		EventsDropped:       dropped,
		AvgProcessingTimeMs: float64(r.metrics.processingNs.Load()) / 1e6,
	}
}

// Health checks relay health for Kubernetes probes.
func (r *Relay) Health(ctx context.Context) HealthStatus {
	if r.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: r.clock.Now(),
			Message:   "relay is closed",
		}
	}

	metrics := r.GetMetrics()
	status := "healthy"
	msg := ""

	if r.dedupDown.Load() > 0 {
		status = "degraded"
		msg = "dedup store unavailable"
	}

	// Degraded if error rate > 5%
	handled := metrics.Published + metrics.Received
	errs := metrics.PublishErrors + metrics.ReceiveErrors + metrics.AckErrors
	if errs > 0 && handled > 0 {
		if float64(errs)/float64(handled) > 0.05 {
			status = "degraded"
			if msg == "" {
				msg = "broker error rate above 5%"
			}
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: r.clock.Now(),
		Message:   msg,
	}
}

// Close gracefully shuts down the relay. Running consumers should be stopped first.
// CRITICAL: Idempotent via sync.Once, cleanup ordering, error handling.
func (r *Relay) Close(ctx context.Context) error {
	var closeErr error

	r.closeOnce.Do(func() {
		r.closed.Store(true)

		if r.observerPool != nil {
			if err := r.observerPool.Close(5 * time.Second); err != nil {
				r.logger.Warn().Err(err).Msg("xrelay: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := r.broker.Close(ctx); err != nil {
			r.logger.Error().Err(err).Msg("xrelay: broker close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (r *Relay) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	r.observersMu.Lock()
	r.observers = append(r.observers, obs)
	r.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (r *Relay) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	r.observersMu.Lock()
	defer r.observersMu.Unlock()

	for i, o := range r.observers {
		if sameObserver(o, obs) {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			break
		}
	}
}

// notify dispatches a lifecycle event through the observer pool when one is
// configured, synchronously otherwise.
func (r *Relay) notify(e BusEvent) {
	r.observersMu.RLock()
	if len(r.observers) == 0 {
		r.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.observersMu.RUnlock()

	if r.observerPool != nil {
		r.observerPool.Notify(e, observers)
		return
	}
	for _, obs := range observers {
		safeNotify(obs, e)
	}
}

// recordProcessingTime records processing time using exponential moving average.
func (r *Relay) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := r.metrics.processingNs.Load()
	if current == 0 {
		r.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	r.metrics.processingNs.Store(newAvg)
}

func sameObserver(a, b Observer) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
