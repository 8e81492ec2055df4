package xrelay

import (
	"context"
	"hash/maphash"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

const (
	defaultAsyncWorkers   = 8
	maxAsyncWorkers       = 128
	defaultAsyncQueueSize = 10000
)

// AsyncConfig sizes an AsyncEventBus.
type AsyncConfig struct {
	// Workers is the number of goroutines invoking listeners (default 8, at most 128).
	Workers int
	// QueueSize bounds the events waiting for a worker. Post blocks while it is full.
	QueueSize int
	// SerialListeners makes every listener handle one event at a time, for
	// listeners that are not safe for concurrent use.
	SerialListeners bool
	// OnError, when set, is called for every listener failure.
	OnError func(*ListenerError)
	Logger  *zerolog.Logger
	Clock   xclock.Clock
}

// PostOption customizes one Post call.
type PostOption func(*postOptions)

type postOptions struct {
	orderingKey string
}

// WithOrderingKey pins the event to one worker. Events posted with the same
// key are handled in the order they were posted.
func WithOrderingKey(key string) PostOption {
	return func(o *postOptions) { o.orderingKey = key }
}

// AsyncStats reports AsyncEventBus counters.
type AsyncStats struct {
	Posted         uint64
	Processed      uint64
	ListenerErrors uint64
	Queued         int
	Workers        int
}

type asyncItem struct {
	ctx   context.Context
	event Event
	env   *Envelope
}

// AsyncEventBus delivers events to in-process listeners on a pool of workers.
//
// Unkeyed events go to a shared queue any idle worker takes from. Keyed
// events go to the queue of the worker their key hashes to, which drains it
// before touching the shared one.
type AsyncEventBus struct {
	dispatch *dispatcher
	codec    Codec
	logger   *zerolog.Logger
	clock    xclock.Clock
	serial   bool
	onError  func(*ListenerError)

	shared chan asyncItem
	shards []chan asyncItem
	seed   maphash.Seed
	locks  sync.Map // listener identity -> *sync.Mutex

	mu     sync.RWMutex // held shared by Post while it enqueues
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup

	posted    atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewAsyncEventBus starts the workers. Middlewares wrap every listener.
func NewAsyncEventBus(cfg AsyncConfig, mws ...Middleware) *AsyncEventBus {
	workers := cfg.Workers
	if workers < 1 {
		workers = defaultAsyncWorkers
	}
	workers = min(workers, maxAsyncWorkers)
	size := cfg.QueueSize
	if size < 1 {
		size = defaultAsyncQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	clock := cfg.Clock
	if clock == nil {
		clock = xclock.Default()
	}

	b := &AsyncEventBus{
		dispatch: newDispatcher(mws...),
		codec:    JSONCodec{},
		logger:   logger,
		clock:    clock,
		serial:   cfg.SerialListeners,
		onError:  cfg.OnError,
		shared:   make(chan asyncItem, size),
		shards:   make([]chan asyncItem, workers),
		seed:     maphash.MakeSeed(),
		quit:     make(chan struct{}),
	}
	per := max(size/workers, 1)
	for i := range b.shards {
		b.shards[i] = make(chan asyncItem, per)
		b.wg.Add(1)
		go b.worker(b.shards[i])
	}
	return b
}

func (b *AsyncEventBus) Subscribe(l Listener) error { return b.dispatch.add(l) }

func (b *AsyncEventBus) Unsubscribe(l Listener) bool {
	ok := b.dispatch.remove(l)
	if ok {
		b.locks.Delete(lockKey(l))
	}
	return ok
}

func (b *AsyncEventBus) IsSubscribed(l Listener, eventTypeName string) bool {
	return b.dispatch.subscribed(l, eventTypeName)
}

// Post queues event and returns once it is enqueued. It blocks while the
// queue is full, until ctx ends. Values of ctx reach the listeners; its
// cancellation does not.
func (b *AsyncEventBus) Post(ctx context.Context, event Event, opts ...PostOption) error {
	if isNil(event) {
		return ErrInvalidEvent
	}
	name := event.EventTypeName()
	if name == "" {
		return ErrMissingEventTypeName
	}
	var po postOptions
	for _, opt := range opts {
		opt(&po)
	}

	env := &Envelope{
		EventTypeName: name,
		MessageID:     uuid.NewString(),
		OccurredOn:    b.clock.Now(),
		Attributes:    map[string]string{},
	}
	q := b.shared
	if po.orderingKey != "" {
		env.Attributes[AttrOrderingKey] = po.orderingKey
		q = b.shards[shardFor(b.seed, po.orderingKey, len(b.shards))]
	}
	item := asyncItem{ctx: context.WithoutCancel(ctx), event: event, env: env}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case q <- item:
		b.posted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *AsyncEventBus) worker(own chan asyncItem) {
	defer b.wg.Done()
	for {
		// keyed events first
		select {
		case it := <-own:
			b.process(it)
			continue
		default:
		}
		select {
		case it := <-own:
			b.process(it)
		case it := <-b.shared:
			b.process(it)
		case <-b.quit:
			b.drain(own)
			return
		}
	}
}

func (b *AsyncEventBus) drain(own chan asyncItem) {
	for {
		select {
		case it := <-own:
			b.process(it)
			continue
		default:
		}
		select {
		case it := <-b.shared:
			b.process(it)
		default:
			return
		}
	}
}

func (b *AsyncEventBus) process(it asyncItem) {
	ctx := injectLogger(injectCodec(it.ctx, b.codec), b.logger)
	for _, rt := range b.dispatch.lookup(it.env.EventTypeName) {
		if err := b.invoke(ctx, rt, it); err != nil {
			le := &ListenerError{Listener: rt.name, EventTypeName: it.env.EventTypeName, MessageID: it.env.MessageID, Err: err}
			b.failed.Add(1)
			b.logger.Error().Err(err).
				Str("listener", rt.name).
				Str("event_type_name", it.env.EventTypeName).
				Str("message_id", it.env.MessageID).
				Msg("xrelay: async listener failed")
			if b.onError != nil {
				b.onError(le)
			}
		}
	}
	b.processed.Add(1)
}

func (b *AsyncEventBus) invoke(ctx context.Context, rt route, it asyncItem) error {
	if b.serial {
		v, _ := b.locks.LoadOrStore(lockKey(rt.listener), &sync.Mutex{})
		mu := v.(*sync.Mutex)
		mu.Lock()
		defer mu.Unlock()
	}
	return rt.invoke(ctx, it.event, it.env)
}

// lockKey identifies a listener for SerialListeners. Listeners whose dynamic
// type cannot be a map key are serialized by name.
func lockKey(l Listener) any {
	if reflect.TypeOf(l).Comparable() {
		return l
	}
	return listenerName(l)
}

// Shutdown stops accepting events and waits for the queued ones to be
// handled, or for ctx to end. Calling it again waits again.
func (b *AsyncEventBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.quit)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *AsyncEventBus) Stats() AsyncStats {
	st := AsyncStats{
		Posted:         b.posted.Load(),
		Processed:      b.processed.Load(),
		ListenerErrors: b.failed.Load(),
		Queued:         len(b.shared),
		Workers:        len(b.shards),
	}
	for _, ch := range b.shards {
		st.Queued += len(ch)
	}
	return st
}
