package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xrelay"
)

// Adapter: Redis Streams Broker (Strategy + Adapter patterns)

const BrokerName = "redis-streams"

func init() {
	if err := xrelay.RegisterBroker(BrokerName, func(cfg map[string]any) (xrelay.Broker, error) {
		return NewBroker(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xrelay: failed to register broker %q: %w", BrokerName, err))
	}
}

var ErrInvalidReceipt = errors.New("redisstream: invalid receipt handle")

// Broker implements xrelay.Broker on Redis Streams.
type Broker struct {
	cfg    Config
	client redis.UniversalClient
	owned  bool

	// last claim pass per queue, unix ns
	lastClaim *haxmap.Map[string, int64]
	now       func() time.Time

	// entries read from several streams at once beyond max, per queue
	overflowMu sync.Mutex
	overflow   map[string][]*xrelay.Envelope
	rr         atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool

	metrics brokerMetrics
}

var _ xrelay.Broker = (*Broker)(nil)

type brokerMetrics struct {
	published    atomic.Uint64
	received     atomic.Uint64
	claimed      atomic.Uint64
	acked        atomic.Uint64
	deadLettered atomic.Uint64
}

// Stats is a snapshot of broker counters.
type Stats struct {
	Published    uint64
	Received     uint64
	Claimed      uint64
	Acked        uint64
	DeadLettered uint64
}

// NewBroker dials Redis and verifies the connection.
func NewBroker(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:                  cfg.Addr,
		Username:              cfg.Username,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		MaxRetries:            3,
		PoolSize:              10,
		MinIdleConns:          2,
		ContextTimeoutEnabled: true,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	b := NewBrokerFromClient(client, cfg)
	b.owned = true
	return b, nil
}

// NewBrokerFromClient wraps an existing client. Close does not close it.
func NewBrokerFromClient(client redis.UniversalClient, cfg Config) *Broker {
	if cfg.Consumer == "" {
		cfg.Consumer = Defaults().Consumer
	}
	return &Broker{
		cfg:       cfg,
		client:    client,
		lastClaim: haxmap.New[string, int64](),
		now:       time.Now,
		overflow:  make(map[string][]*xrelay.Envelope),
	}
}

func (b *Broker) Client() redis.UniversalClient { return b.client }

func (b *Broker) queueKey(queue string) string {
	return b.cfg.KeyPrefix + "queue:" + queue + ":topics"
}

func (b *Broker) topicsKey() string { return b.cfg.KeyPrefix + "topics" }

// EnsureTopic records the topic. The stream itself appears on first XADD.
func (b *Broker) EnsureTopic(ctx context.Context, topic string) error {
	if topic == "" {
		return xrelay.ErrInvalidTopic
	}
	if b.closed.Load() {
		return xrelay.ErrRelayClosed
	}
	return b.client.SAdd(ctx, b.topicsKey(), topic).Err()
}

// Subscribe creates the queue's consumer group on the topic stream. Only
// entries added after the group exists are delivered to the queue.
func (b *Broker) Subscribe(ctx context.Context, queue, topic string) error {
	if queue == "" {
		return xrelay.ErrInvalidQueue
	}
	if topic == "" {
		return xrelay.ErrInvalidTopic
	}
	if b.closed.Load() {
		return xrelay.ErrRelayClosed
	}
	if err := b.client.XGroupCreateMkStream(ctx, topic, queue, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisstream: create group %s on %s: %w", queue, topic, err)
	}
	pipe := b.client.Pipeline()
	pipe.SAdd(ctx, b.queueKey(queue), topic)
	pipe.SAdd(ctx, b.topicsKey(), topic)
	_, err := pipe.Exec(ctx)
	return err
}

// Publish appends msg to the topic stream with XADD.
func (b *Broker) Publish(ctx context.Context, topic string, msg *xrelay.OutboundMessage) (string, error) {
	if b.closed.Load() {
		return "", xrelay.ErrRelayClosed
	}
	if topic == "" {
		return "", xrelay.ErrInvalidTopic
	}

	// Pre-size map to reduce rehashing: id, name, payload, occurredOn + attributes
	vals := make(map[string]any, 4+len(msg.Attributes))
	if msg.ID != "" {
		vals[fieldID] = msg.ID
	}
	vals[fieldName] = msg.EventTypeName
	vals[fieldPayload] = msg.Body
	vals[fieldOccurredOn] = msg.OccurredOn.UnixNano()
	for k, v := range msg.Attributes {
		vals[fieldMetaPrefix+k] = v
	}

	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: vals,
	}
	// Approximate trimming to keep stream bounded
	if b.cfg.MaxLenApprox > 0 {
		args.MaxLen = b.cfg.MaxLenApprox
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", err
	}
	b.metrics.published.Add(1)
	return topic + handleSep + id, nil
}

// Receive returns up to max entries for queue: first entries reclaimed from
// idle consumers, then new ones. It blocks up to wait when nothing is ready.
func (b *Broker) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*xrelay.Envelope, error) {
	if b.closed.Load() {
		return nil, xrelay.ErrRelayClosed
	}
	if max < 1 {
		max = 1
	}
	topics, err := b.client.SMembers(ctx, b.queueKey(queue)).Result()
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: %s", xrelay.ErrInvalidQueue, queue)
	}

	out := b.takeOverflow(queue, max)
	if len(out) >= max {
		return out, nil
	}
	claimed, err := b.claim(ctx, queue, topics, max-len(out))
	out = append(out, claimed...)
	b.metrics.received.Add(uint64(len(claimed)))
	if err != nil || len(out) >= max {
		return out, err
	}
	held := len(out)

	// COUNT applies per stream, so streams are read one by one with what is
	// left of max. Nothing lands in the pending list that is not returned.
	sort.Strings(topics)
	first := int(b.rr.Add(1) % uint64(len(topics)))
	for i := range topics {
		if len(out) >= max {
			break
		}
		topic := topics[(first+i)%len(topics)]
		res, err := b.read(ctx, queue, []string{topic}, max-len(out), -1)
		if err != nil {
			return out, err
		}
		out = append(out, b.decode(queue, res)...)
	}
	if len(out) > 0 || wait <= 0 {
		b.metrics.received.Add(uint64(len(out) - held))
		return out, nil
	}

	// Block on every stream. Entries that arrive together on several streams
	// are already pending for this consumer; the surplus waits in overflow.
	res, err := b.read(ctx, queue, topics, 1, wait)
	if err != nil {
		return out, err
	}
	out = append(out, b.decode(queue, res)...)
	if len(out) > max {
		b.putOverflow(queue, out[max:])
		out = out[:max]
	}
	b.metrics.received.Add(uint64(len(out)))
	return out, nil
}

func (b *Broker) read(ctx context.Context, queue string, topics []string, count int, block time.Duration) ([]redis.XStream, error) {
	streams := make([]string, 0, 2*len(topics))
	streams = append(streams, topics...)
	for range topics {
		streams = append(streams, ">")
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue,
		Consumer: b.cfg.Consumer,
		Streams:  streams,
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return res, nil
}

func (b *Broker) decode(queue string, res []redis.XStream) []*xrelay.Envelope {
	var out []*xrelay.Envelope
	for _, stream := range res {
		for _, m := range stream.Messages {
			out = append(out, decodeEntry(queue, stream.Stream, m, 1))
		}
	}
	return out
}

func (b *Broker) takeOverflow(queue string, max int) []*xrelay.Envelope {
	b.overflowMu.Lock()
	defer b.overflowMu.Unlock()
	held := b.overflow[queue]
	if len(held) == 0 {
		return nil
	}
	n := min(max, len(held))
	out := append([]*xrelay.Envelope(nil), held[:n]...)
	if n == len(held) {
		delete(b.overflow, queue)
	} else {
		b.overflow[queue] = held[n:]
	}
	b.metrics.received.Add(uint64(n))
	return out
}

func (b *Broker) putOverflow(queue string, envs []*xrelay.Envelope) {
	b.overflowMu.Lock()
	b.overflow[queue] = append(b.overflow[queue], envs...)
	b.overflowMu.Unlock()
}

// claim takes over entries of queue that were idle for ClaimMinIdle.
// Entries past MaxDeliveries are dead-lettered instead of returned.
func (b *Broker) claim(ctx context.Context, queue string, topics []string, max int) ([]*xrelay.Envelope, error) {
	if b.cfg.ClaimMinIdle <= 0 {
		return nil, nil
	}
	now := b.now().UnixNano()
	if last, ok := b.lastClaim.Get(queue); ok && b.cfg.ClaimInterval > 0 && now-last < int64(b.cfg.ClaimInterval) {
		return nil, nil
	}
	b.lastClaim.Set(queue, now)

	var out []*xrelay.Envelope
	for _, topic := range topics {
		if len(out) >= max {
			break
		}
		// Never claim more than can be returned: a claimed entry is owned by
		// this consumer and would otherwise sit idle for another ClaimMinIdle.
		batch := max - len(out)
		if b.cfg.ClaimBatch > 0 && b.cfg.ClaimBatch < batch {
			batch = b.cfg.ClaimBatch
		}
		msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    queue,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    int64(batch),
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return out, fmt.Errorf("redisstream: claim %s/%s: %w", topic, queue, err)
		}
		if len(msgs) == 0 {
			continue
		}

		counts := b.deliveryCounts(ctx, topic, queue, msgs)
		for _, m := range msgs {
			n := counts[m.ID]
			if b.cfg.MaxDeliveries > 0 && n > int64(b.cfg.MaxDeliveries) {
				if err := b.deadLetter(ctx, queue, topic, m, n); err != nil {
					return out, err
				}
				continue
			}
			out = append(out, decodeEntry(queue, topic, m, int(n)))
			b.metrics.claimed.Add(1)
		}
	}
	return out, nil
}

// deliveryCounts reads the delivery counter of each claimed entry.
func (b *Broker) deliveryCounts(ctx context.Context, topic, queue string, msgs []redis.XMessage) map[string]int64 {
	counts := make(map[string]int64, len(msgs))
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   topic,
		Group:    queue,
		Start:    msgs[0].ID,
		End:      msgs[len(msgs)-1].ID,
		Count:    int64(len(msgs)),
		Consumer: b.cfg.Consumer,
	}).Result()
	if err == nil {
		for _, p := range pending {
			counts[p.ID] = p.RetryCount
		}
	}
	for _, m := range msgs {
		if counts[m.ID] < 2 {
			counts[m.ID] = 2
		}
	}
	return counts
}

// deadLetter copies the entry to the dead-letter stream (when configured)
// and acks it so it stops cycling.
func (b *Broker) deadLetter(ctx context.Context, queue, topic string, m redis.XMessage, deliveries int64) error {
	if dl := b.cfg.DeadLetter; dl != "" {
		values := make(map[string]any, len(m.Values)+4)
		for k, v := range m.Values {
			values[k] = v
		}
		values[fieldOrigTopic] = topic
		values[fieldOrigID] = m.ID
		values[fieldOrigQueue] = queue
		values[fieldDeliveries] = deliveries
		if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: dl, ID: "*", Values: values}).Err(); err != nil {
			return fmt.Errorf("redisstream: dead-letter %s: %w", m.ID, err)
		}
	}
	if err := b.client.XAck(ctx, topic, queue, m.ID).Err(); err != nil {
		return err
	}
	b.metrics.deadLettered.Add(1)
	return nil
}

// Delete acknowledges the entry named by handle in the queue's group.
func (b *Broker) Delete(ctx context.Context, queue, handle string) error {
	topic, id, ok := parseHandle(handle)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidReceipt, handle)
	}
	if err := b.client.XAck(ctx, topic, queue, id).Err(); err != nil {
		return err
	}
	b.metrics.acked.Add(1)
	// Optionally delete from stream after ack (saves memory)
	if b.cfg.AutoDeleteOnAck {
		_ = b.client.XDel(ctx, topic, id).Err()
	}
	return nil
}

// Pending returns how many entries of topic the queue read but did not ack.
func (b *Broker) Pending(ctx context.Context, queue, topic string) (int64, error) {
	p, err := b.client.XPending(ctx, topic, queue).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

func (b *Broker) Stats() Stats {
	return Stats{
		Published:    b.metrics.published.Load(),
		Received:     b.metrics.received.Load(),
		Claimed:      b.metrics.claimed.Load(),
		Acked:        b.metrics.acked.Load(),
		DeadLettered: b.metrics.deadLettered.Load(),
	}
}

// Close gracefully shuts down the broker.
func (b *Broker) Close(_ context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.owned {
			err = b.client.Close()
		}
	})
	return err
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
