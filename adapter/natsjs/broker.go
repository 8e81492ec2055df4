// Package natsjs provides a NATS JetStream broker for xrelay.
//
// Every topic is a subject under one stream; every queue is a durable pull
// consumer filtering on the subjects of its topics. The ack subject of a
// delivery is its receipt handle.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/nats-io/nats.go"

	"github.com/trickstertwo/xrelay"
)

const BrokerName = "nats-jetstream"

func init() {
	if err := xrelay.RegisterBroker(BrokerName, func(cfg map[string]any) (xrelay.Broker, error) {
		return NewBroker(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xrelay: failed to register broker %q: %w", BrokerName, err))
	}
}

var ErrInvalidReceipt = errors.New("natsjs: invalid receipt handle")

const (
	ackPrefix = "$JS.ACK."
	// minFetchWait bounds a fetch when the caller does not want to wait.
	minFetchWait = 50 * time.Millisecond
)

type queueState struct {
	mu       sync.Mutex
	subjects map[string]struct{}
	sub      *nats.Subscription
}

// Broker implements xrelay.Broker on JetStream.
type Broker struct {
	cfg   Config
	nc    *nats.Conn
	js    nats.JetStreamContext
	owned bool

	streamOnce sync.Mutex
	streamOK   atomic.Bool

	queues *haxmap.Map[string, *queueState]
	closed atomic.Bool
}

var _ xrelay.Broker = (*Broker)(nil)

// NewBroker connects to cfg.URL.
func NewBroker(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.URL, nats.Name(cfg.ConnName), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("natsjs: connect %s: %w", cfg.URL, err)
	}
	b, err := NewBrokerFromConn(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewBrokerFromConn wraps an existing connection, which the caller keeps owning.
func NewBrokerFromConn(nc *nats.Conn, cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("natsjs: jetstream: %w", err)
	}
	return &Broker{
		cfg:    cfg,
		nc:     nc,
		js:     js,
		queues: haxmap.New[string, *queueState](),
	}, nil
}

func (b *Broker) subject(topic string) string { return b.cfg.SubjectPrefix + "." + topic }

func validName(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t*>")
}

// EnsureTopic creates the stream holding every topic.
func (b *Broker) EnsureTopic(ctx context.Context, topic string) error {
	if !validName(topic) {
		return fmt.Errorf("%w: %q", xrelay.ErrInvalidTopic, topic)
	}
	if b.closed.Load() {
		return xrelay.ErrRelayClosed
	}
	return b.ensureStream(ctx)
}

func (b *Broker) ensureStream(ctx context.Context) error {
	if b.streamOK.Load() {
		return nil
	}
	b.streamOnce.Lock()
	defer b.streamOnce.Unlock()
	if b.streamOK.Load() {
		return nil
	}

	storage := nats.FileStorage
	if b.cfg.Memory {
		storage = nats.MemoryStorage
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:       b.cfg.Stream,
		Subjects:   []string{b.cfg.SubjectPrefix + ".>"},
		Retention:  nats.InterestPolicy,
		MaxAge:     b.cfg.MaxAge,
		Duplicates: b.cfg.Duplicates,
		Storage:    storage,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("natsjs: add stream %s: %w", b.cfg.Stream, err)
	}
	b.streamOK.Store(true)
	return nil
}

// Subscribe creates or widens the durable consumer named queue so that it
// also filters on topic. Only messages published afterwards are delivered.
func (b *Broker) Subscribe(ctx context.Context, queue, topic string) error {
	if !validName(queue) || strings.Contains(queue, ".") {
		return fmt.Errorf("%w: %q", xrelay.ErrInvalidQueue, queue)
	}
	if err := b.EnsureTopic(ctx, topic); err != nil {
		return err
	}

	qs, _ := b.queues.GetOrCompute(queue, func() *queueState {
		return &queueState{subjects: map[string]struct{}{}}
	})
	qs.mu.Lock()
	defer qs.mu.Unlock()

	subject := b.subject(topic)
	if _, ok := qs.subjects[subject]; ok {
		return nil
	}

	cfg := &nats.ConsumerConfig{
		Durable:       queue,
		DeliverPolicy: nats.DeliverNewPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
	}
	filters := map[string]struct{}{subject: {}}
	for s := range qs.subjects {
		filters[s] = struct{}{}
	}

	info, err := b.js.ConsumerInfo(b.cfg.Stream, queue, nats.Context(ctx))
	switch {
	case err == nil:
		for _, s := range info.Config.FilterSubjects {
			filters[s] = struct{}{}
		}
		if info.Config.FilterSubject != "" {
			filters[info.Config.FilterSubject] = struct{}{}
		}
		cfg.FilterSubjects = sortedKeys(filters)
		_, err = b.js.UpdateConsumer(b.cfg.Stream, cfg, nats.Context(ctx))
	case errors.Is(err, nats.ErrConsumerNotFound):
		cfg.FilterSubjects = sortedKeys(filters)
		_, err = b.js.AddConsumer(b.cfg.Stream, cfg, nats.Context(ctx))
	}
	if err != nil {
		return fmt.Errorf("natsjs: subscribe %s to %s: %w", queue, topic, err)
	}
	for _, s := range cfg.FilterSubjects {
		qs.subjects[s] = struct{}{}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Publish stores msg on the topic subject. The publisher id doubles as the
// JetStream Nats-Msg-Id, so a retried publish inside the duplicate window is
// stored once.
func (b *Broker) Publish(ctx context.Context, topic string, msg *xrelay.OutboundMessage) (string, error) {
	if err := b.EnsureTopic(ctx, topic); err != nil {
		return "", err
	}
	m := nats.NewMsg(b.subject(topic))
	m.Data = msg.Body
	for k, v := range msg.Attributes {
		if v != "" {
			m.Header.Set(k, v)
		}
	}
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msg.ID != "" {
		opts = append(opts, nats.MsgId(msg.ID))
	}
	ack, err := b.js.PublishMsg(m, opts...)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// subscription binds a pull subscription to the queue's durable consumer,
// which may have been created by another process.
func (b *Broker) subscription(queue string) (*nats.Subscription, error) {
	qs, _ := b.queues.GetOrCompute(queue, func() *queueState {
		return &queueState{subjects: map[string]struct{}{}}
	})
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.sub != nil {
		return qs.sub, nil
	}
	sub, err := b.js.PullSubscribe("", queue, nats.Bind(b.cfg.Stream, queue))
	if err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) || errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("%w: %s", xrelay.ErrInvalidQueue, queue)
		}
		return nil, err
	}
	qs.sub = sub
	return sub, nil
}

// Receive fetches up to max deliveries, waiting at most wait.
func (b *Broker) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*xrelay.Envelope, error) {
	if b.closed.Load() {
		return nil, xrelay.ErrRelayClosed
	}
	sub, err := b.subscription(queue)
	if err != nil {
		return nil, err
	}
	if max < 1 {
		max = 1
	}
	if wait < minFetchWait {
		wait = minFetchWait
	}

	fctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	msgs, err := sub.Fetch(max, nats.Context(fctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}

	envs := make([]*xrelay.Envelope, 0, len(msgs))
	for _, m := range msgs {
		envs = append(envs, b.toEnvelope(queue, m))
	}
	return envs, nil
}

func (b *Broker) toEnvelope(queue string, m *nats.Msg) *xrelay.Envelope {
	env := &xrelay.Envelope{
		Body:          m.Data,
		ReceiptHandle: m.Reply,
		Queue:         queue,
		Attributes:    make(map[string]string, len(m.Header)),
	}
	for k := range m.Header {
		if strings.HasPrefix(k, "Nats-") {
			continue
		}
		env.Attributes[k] = m.Header.Get(k)
	}
	env.EventTypeName = env.Attributes[xrelay.AttrEventTypeName]
	if meta, err := m.Metadata(); err == nil {
		env.MessageID = strconv.FormatUint(meta.Sequence.Stream, 10)
		env.ReceiveCount = int(meta.NumDelivered)
		env.OccurredOn = meta.Timestamp
	}
	return env
}

// Delete acks a delivery and waits for the server to confirm.
func (b *Broker) Delete(ctx context.Context, _ string, handle string) error {
	if !strings.HasPrefix(handle, ackPrefix) {
		return ErrInvalidReceipt
	}
	_, err := b.nc.RequestWithContext(ctx, handle, []byte("+ACK"))
	return err
}

// Close unsubscribes and, when the broker dialed the connection, drains it.
func (b *Broker) Close(context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	b.queues.ForEach(func(_ string, qs *queueState) bool {
		qs.mu.Lock()
		if qs.sub != nil {
			if err := qs.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
		qs.mu.Unlock()
		return true
	})
	if b.owned {
		if err := b.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
