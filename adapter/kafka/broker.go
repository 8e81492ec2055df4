// Package kafka provides an Apache Kafka broker for xrelay.
//
// A queue is a consumer group reading every topic it subscribed to. Acking a
// delivery commits its offset, which also commits every earlier offset of
// the same partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/trickstertwo/xrelay"
)

const BrokerName = "kafka"

func init() {
	if err := xrelay.RegisterBroker(BrokerName, func(cfg map[string]any) (xrelay.Broker, error) {
		return NewBroker(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xrelay: failed to register broker %q: %w", BrokerName, err))
	}
}

var ErrInvalidReceipt = errors.New("kafka: invalid receipt handle")

const (
	handleSep = "|"
	// drainWait bounds each fetch after the first message of a batch.
	drainWait    = 10 * time.Millisecond
	minFetchWait = 50 * time.Millisecond
)

type group struct {
	mu     sync.Mutex
	topics map[string]struct{}
	reader *kafkago.Reader
}

// Broker implements xrelay.Broker on Kafka.
type Broker struct {
	cfg    Config
	dialer *kafkago.Dialer
	writer *kafkago.Writer

	topics *haxmap.Map[string, bool]
	groups *haxmap.Map[string, *group]
	closed atomic.Bool
}

var _ xrelay.Broker = (*Broker)(nil)

// NewBroker prepares a writer; connections are opened lazily.
func NewBroker(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.With().Str("component", "xrelay-kafka").Logger()
	return &Broker{
		cfg:    cfg,
		dialer: &kafkago.Dialer{Timeout: cfg.DialTimeout},
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(cfg.Brokers...),
			Balancer:               &kafkago.Hash{},
			MaxAttempts:            cfg.MaxAttempts,
			WriteTimeout:           cfg.WriteTimeout,
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
			ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...any) {
				logger.Error().Msgf(msg, args...)
			}),
		},
		topics: haxmap.New[string, bool](),
		groups: haxmap.New[string, *group](),
	}, nil
}

// EnsureTopic creates topic through the cluster controller.
func (b *Broker) EnsureTopic(ctx context.Context, topic string) error {
	if topic == "" {
		return xrelay.ErrInvalidTopic
	}
	if b.closed.Load() {
		return xrelay.ErrRelayClosed
	}
	if _, ok := b.topics.Get(topic); ok {
		return nil
	}

	conn, err := b.dialer.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial: %w", err)
	}
	defer conn.Close()
	ctrl, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: controller: %w", err)
	}
	cc, err := b.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ctrl.Host, strconv.Itoa(ctrl.Port)))
	if err != nil {
		return fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     b.cfg.Partitions,
		ReplicationFactor: b.cfg.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafkago.TopicAlreadyExists) {
		return fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}
	b.topics.Set(topic, true)
	return nil
}

// Subscribe adds topic to the consumer group named queue. A running reader is
// restarted so the group rebalances onto the new topic set.
func (b *Broker) Subscribe(ctx context.Context, queue, topic string) error {
	if queue == "" {
		return xrelay.ErrInvalidQueue
	}
	if err := b.EnsureTopic(ctx, topic); err != nil {
		return err
	}
	g, _ := b.groups.GetOrCompute(queue, func() *group {
		return &group{topics: map[string]struct{}{}}
	})
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.topics[topic]; ok {
		return nil
	}
	g.topics[topic] = struct{}{}
	if g.reader != nil {
		err := g.reader.Close()
		g.reader = nil
		return err
	}
	return nil
}

func (b *Broker) reader(queue string) (*kafkago.Reader, error) {
	g, ok := b.groups.Get(queue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", xrelay.ErrInvalidQueue, queue)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reader != nil {
		return g.reader, nil
	}
	if len(g.topics) == 0 {
		return nil, fmt.Errorf("%w: %s has no topics", xrelay.ErrInvalidQueue, queue)
	}

	topics := make([]string, 0, len(g.topics))
	for t := range g.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	start := kafkago.FirstOffset
	if b.cfg.StartOffset == "latest" {
		start = kafkago.LastOffset
	}
	logger := log.With().Str("component", "xrelay-kafka").Str("queue", queue).Logger()
	g.reader = kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		GroupID:     queue,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     b.cfg.MaxWait,
		Dialer:      b.dialer,
		StartOffset: start,
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...any) {
			logger.Error().Msgf(msg, args...)
		}),
	})
	return g.reader, nil
}

// Publish writes msg to topic keyed on its idempotency key, else its id.
func (b *Broker) Publish(ctx context.Context, topic string, msg *xrelay.OutboundMessage) (string, error) {
	if topic == "" {
		return "", xrelay.ErrInvalidTopic
	}
	if b.closed.Load() {
		return "", xrelay.ErrRelayClosed
	}
	key := msg.Attributes[xrelay.AttrIdempotencyKey]
	if key == "" {
		key = msg.ID
	}
	err := b.writer.WriteMessages(ctx, kafkago.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   msg.Body,
		Headers: toHeaders(msg.Attributes),
		Time:    msg.OccurredOn,
	})
	if err != nil {
		return "", fmt.Errorf("kafka: write %s: %w", topic, err)
	}
	return "", nil
}

// Receive fetches up to max messages. It waits at most wait for the first one
// and returns as soon as the reader's buffer runs dry after that.
func (b *Broker) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*xrelay.Envelope, error) {
	if b.closed.Load() {
		return nil, xrelay.ErrRelayClosed
	}
	r, err := b.reader(queue)
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

	var out []*xrelay.Envelope
	for len(out) < max {
		m, err := fetch(fctx, r, len(out) > 0)
		if err != nil {
			if len(out) > 0 || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		out = append(out, toEnvelope(queue, m))
	}
	return out, nil
}

func fetch(ctx context.Context, r *kafkago.Reader, draining bool) (kafkago.Message, error) {
	if !draining {
		return r.FetchMessage(ctx)
	}
	dctx, cancel := context.WithTimeout(ctx, drainWait)
	defer cancel()
	return r.FetchMessage(dctx)
}

// Delete commits the offset encoded in handle.
func (b *Broker) Delete(ctx context.Context, queue, handle string) error {
	topic, partition, offset, err := parseHandle(handle)
	if err != nil {
		return err
	}
	r, err := b.reader(queue)
	if err != nil {
		return err
	}
	return r.CommitMessages(ctx, kafkago.Message{Topic: topic, Partition: partition, Offset: offset})
}

// Close flushes the writer and leaves every group.
func (b *Broker) Close(context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	errs := []error{b.writer.Close()}
	b.groups.ForEach(func(_ string, g *group) bool {
		g.mu.Lock()
		if g.reader != nil {
			errs = append(errs, g.reader.Close())
			g.reader = nil
		}
		g.mu.Unlock()
		return true
	})
	return errors.Join(errs...)
}

func toHeaders(attrs map[string]string) []kafkago.Header {
	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	hs := make([]kafkago.Header, 0, len(keys))
	for _, k := range keys {
		hs = append(hs, kafkago.Header{Key: k, Value: []byte(attrs[k])})
	}
	return hs
}

// toEnvelope maps a record. Kafka keeps no delivery counter, so ReceiveCount stays 0.
func toEnvelope(queue string, m kafkago.Message) *xrelay.Envelope {
	handle := formatHandle(m.Topic, m.Partition, m.Offset)
	env := &xrelay.Envelope{
		Body:          m.Value,
		OccurredOn:    m.Time,
		MessageID:     handle,
		ReceiptHandle: handle,
		Queue:         queue,
		Attributes:    make(map[string]string, len(m.Headers)),
	}
	for _, h := range m.Headers {
		env.Attributes[h.Key] = string(h.Value)
	}
	env.EventTypeName = env.Attributes[xrelay.AttrEventTypeName]
	return env
}

func formatHandle(topic string, partition int, offset int64) string {
	return topic + handleSep + strconv.Itoa(partition) + handleSep + strconv.FormatInt(offset, 10)
}

// parseHandle splits from the right since topic names may contain the separator.
func parseHandle(handle string) (string, int, int64, error) {
	i := strings.LastIndex(handle, handleSep)
	if i <= 0 {
		return "", 0, 0, ErrInvalidReceipt
	}
	offset, err := strconv.ParseInt(handle[i+1:], 10, 64)
	if err != nil {
		return "", 0, 0, ErrInvalidReceipt
	}
	rest := handle[:i]
	j := strings.LastIndex(rest, handleSep)
	if j <= 0 {
		return "", 0, 0, ErrInvalidReceipt
	}
	partition, err := strconv.Atoi(rest[j+1:])
	if err != nil {
		return "", 0, 0, ErrInvalidReceipt
	}
	return rest[:j], partition, offset, nil
}
