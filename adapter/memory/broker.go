package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xrelay"
)

const BrokerName = "memory"

func init() {
	if err := xrelay.RegisterBroker(BrokerName, func(cfg map[string]any) (xrelay.Broker, error) {
		return NewBroker(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xrelay/memory: failed to register broker: %w", err))
	}
}

var (
	ErrClosed         = errors.New("xrelay/memory: broker is closed")
	ErrQueueFull      = errors.New("xrelay/memory: queue is full")
	ErrUnknownReceipt = errors.New("xrelay/memory: unknown or stale receipt handle")
)

// Config controls memory broker behavior.
type Config struct {
	// QueueCapacity bounds each queue; publishing to a full queue fails (default: 10000).
	QueueCapacity int
	// VisibilityTimeout hides a received message until it is deleted or the
	// timeout expires, after which it is redelivered (default: 30s).
	VisibilityTimeout time.Duration
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		QueueCapacity:     max(1, getInt("queue_capacity", 10000)),
		VisibilityTimeout: getDur("visibility_timeout", 30*time.Second),
	}
}

// toMap converts Config to the generic map expected by the broker factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"queue_capacity":     c.QueueCapacity,
		"visibility_timeout": c.VisibilityTimeout,
	}
}

// Broker implements xrelay.Broker in process memory with SQS-like semantics:
// topics fan out to subscribed queues, received messages stay invisible for
// the visibility timeout and are redelivered unless deleted.
// Not suitable for production but excellent for local development and tests.
type Broker struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	topics map[string]map[string]struct{}
	queues map[string]*queue

	closed  atomic.Bool
	metrics *brokerMetrics
}

type brokerMetrics struct {
	published   atomic.Uint64
	delivered   atomic.Uint64
	received    atomic.Uint64
	redelivered atomic.Uint64
	deleted     atomic.Uint64
	dropped     atomic.Uint64
}

type queue struct {
	name     string
	messages []*stored
	// signal is closed and replaced whenever a message becomes available.
	signal chan struct{}
}

type stored struct {
	id             string
	body           []byte
	attrs          map[string]string
	occurredOn     time.Time
	receiveCount   int
	handle         string
	invisibleUntil time.Time
}

var _ xrelay.Broker = (*Broker)(nil)

// NewBroker creates a new in-memory broker.
func NewBroker(cfg Config) *Broker {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 10000
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	return &Broker{
		cfg:     cfg,
		now:     time.Now,
		topics:  make(map[string]map[string]struct{}),
		queues:  make(map[string]*queue),
		metrics: &brokerMetrics{},
	}
}

// EnsureTopic creates the topic if it does not exist.
func (b *Broker) EnsureTopic(_ context.Context, topic string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if topic == "" {
		return xrelay.ErrInvalidTopic
	}
	b.mu.Lock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make(map[string]struct{})
	}
	b.mu.Unlock()
	return nil
}

// Subscribe creates queue if absent and fans topic out to it.
func (b *Broker) Subscribe(_ context.Context, queueName, topic string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if queueName == "" {
		return xrelay.ErrInvalidQueue
	}
	if topic == "" {
		return xrelay.ErrInvalidTopic
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureQueueLocked(queueName)
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		b.topics[topic] = subs
	}
	subs[queueName] = struct{}{}
	return nil
}

// Publish copies msg into every queue subscribed to topic. A topic without
// subscribers drops the message.
func (b *Broker) Publish(ctx context.Context, topic string, msg *xrelay.OutboundMessage) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if msg == nil {
		return "", errors.New("xrelay/memory: nil message")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		b.topics[topic] = subs
	}
	for name := range subs {
		if len(b.queues[name].messages) >= b.cfg.QueueCapacity {
			return "", fmt.Errorf("%w: %s", ErrQueueFull, name)
		}
	}

	// Every queue copy carries the id returned to the publisher.
	id := uuid.NewString()
	if len(subs) == 0 {
		b.metrics.dropped.Add(1)
	}
	for name := range subs {
		q := b.queues[name]
		q.messages = append(q.messages, &stored{
			id:         id,
			body:       append([]byte(nil), msg.Body...),
			attrs:      copyAttrs(msg.Attributes),
			occurredOn: msg.OccurredOn,
		})
		q.wake()
		b.metrics.delivered.Add(1)
	}
	b.metrics.published.Add(1)
	return id, nil
}

// Receive returns up to maxMessages visible messages, waiting up to wait for
// the first one.
func (b *Broker) Receive(ctx context.Context, queueName string, maxMessages int, wait time.Duration) ([]*xrelay.Envelope, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	deadline := time.NewTimer(max(wait, 0))
	defer deadline.Stop()

	for {
		if b.closed.Load() {
			return nil, ErrClosed
		}
		envs, signal, nextVisible, err := b.take(queueName, maxMessages)
		if err != nil || len(envs) > 0 || wait <= 0 {
			return envs, err
		}

		var retry *time.Timer
		var retryC <-chan time.Time
		if !nextVisible.IsZero() {
			retry = time.NewTimer(max(nextVisible.Sub(b.now()), time.Millisecond))
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			stopTimer(retry)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(retry)
			envs, _, _, err = b.take(queueName, maxMessages)
			return envs, err
		case <-signal:
		case <-retryC:
		}
		stopTimer(retry)
	}
}

// take marks up to n visible messages in flight. When none is visible it
// returns the queue's wake-up signal and the earliest time an in-flight
// message becomes visible again.
func (b *Broker) take(queueName string, n int) ([]*xrelay.Envelope, <-chan struct{}, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil, nil, time.Time{}, fmt.Errorf("%w: %s does not exist", xrelay.ErrInvalidQueue, queueName)
	}

	now := b.now()
	var (
		envs        []*xrelay.Envelope
		nextVisible time.Time
	)
	for _, m := range q.messages {
		if len(envs) == n {
			break
		}
		if m.invisibleUntil.After(now) {
			if nextVisible.IsZero() || m.invisibleUntil.Before(nextVisible) {
				nextVisible = m.invisibleUntil
			}
			continue
		}
		m.receiveCount++
		m.handle = uuid.NewString()
		m.invisibleUntil = now.Add(b.cfg.VisibilityTimeout)
		if m.receiveCount > 1 {
			b.metrics.redelivered.Add(1)
		}
		envs = append(envs, &xrelay.Envelope{
			Body:          append([]byte(nil), m.body...),
			OccurredOn:    m.occurredOn,
			MessageID:     m.id,
			ReceiptHandle: m.handle,
			Attributes:    copyAttrs(m.attrs),
			ReceiveCount:  m.receiveCount,
			Queue:         queueName,
		})
	}
	b.metrics.received.Add(uint64(len(envs)))
	return envs, q.signal, nextVisible, nil
}

// Delete removes the message delivered with receiptHandle. Only the handle of
// the latest delivery is accepted.
func (b *Broker) Delete(_ context.Context, queueName, receiptHandle string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s does not exist", xrelay.ErrInvalidQueue, queueName)
	}
	for i, m := range q.messages {
		if m.handle != "" && m.handle == receiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			b.metrics.deleted.Add(1)
			return nil
		}
	}
	return ErrUnknownReceipt
}

// Close drops every topic and queue.
func (b *Broker) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	for _, q := range b.queues {
		q.wake()
	}
	b.topics = make(map[string]map[string]struct{})
	b.queues = make(map[string]*queue)
	b.mu.Unlock()
	return nil
}

// Depth reports the visible and in-flight message counts of a queue.
func (b *Broker) Depth(queueName string) (visible, inFlight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, 0
	}
	now := b.now()
	for _, m := range q.messages {
		if m.invisibleUntil.After(now) {
			inFlight++
		} else {
			visible++
		}
	}
	return visible, inFlight
}

// Stats returns broker telemetry.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Received    uint64
	Redelivered uint64
	Deleted     uint64
	Dropped     uint64
}

// Stats returns current broker metrics.
func (b *Broker) Stats() Stats {
	return Stats{
		Published:   b.metrics.published.Load(),
		Delivered:   b.metrics.delivered.Load(),
		Received:    b.metrics.received.Load(),
		Redelivered: b.metrics.redelivered.Load(),
		Deleted:     b.metrics.deleted.Load(),
		Dropped:     b.metrics.dropped.Load(),
	}
}

func (b *Broker) ensureQueueLocked(name string) *queue {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &queue{name: name, signal: make(chan struct{})}
	b.queues[name] = q
	return q
}

func (q *queue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func copyAttrs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
