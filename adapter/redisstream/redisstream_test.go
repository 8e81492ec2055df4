package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrelay"
)

type OrderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

func (OrderPlaced) EventTypeName() string { return "OrderPlaced" }

// newTestBroker returns a broker over a fresh miniredis with a frozen clock.
func newTestBroker(t *testing.T, mutate func(*Config)) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := Defaults()
	cfg.Consumer = "test-consumer"
	cfg.ClaimInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}
	return NewBrokerFromClient(client, cfg), mr
}

func outbound(name, body string) *xrelay.OutboundMessage {
	return &xrelay.OutboundMessage{
		ID:            "pub-" + name,
		EventTypeName: name,
		Body:          []byte(body),
		Attributes:    map[string]string{xrelay.AttrEventTypeName: name, "tenant": "acme"},
		OccurredOn:    time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestBroker_FanOutToQueues(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, nil)

	require.NoError(t, b.EnsureTopic(ctx, "orders"))
	require.NoError(t, b.Subscribe(ctx, "billing", "orders"))
	require.NoError(t, b.Subscribe(ctx, "shipping", "orders"))
	require.NoError(t, b.Subscribe(ctx, "shipping", "orders"), "subscribing twice is a no-op")

	id, err := b.Publish(ctx, "orders", outbound("OrderPlaced", `{"event_type_name":"OrderPlaced"}`))
	require.NoError(t, err)
	assert.Contains(t, id, "orders|")

	for _, q := range []string{"billing", "shipping"} {
		envs, err := b.Receive(ctx, q, 10, 0)
		require.NoError(t, err)
		require.Len(t, envs, 1, q)

		env := envs[0]
		assert.Equal(t, id, env.MessageID)
		assert.Equal(t, "OrderPlaced", env.EventTypeName)
		assert.Equal(t, `{"event_type_name":"OrderPlaced"}`, string(env.Body))
		assert.Equal(t, "acme", env.Attributes["tenant"])
		assert.Equal(t, "pub-OrderPlaced", env.Attributes[xrelay.AttrMessageID])
		assert.Equal(t, 1, env.ReceiveCount)
		assert.Equal(t, q, env.Queue)
		assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), env.OccurredOn)

		n, err := b.Pending(ctx, q, "orders")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.NoError(t, b.Delete(ctx, q, env.ReceiptHandle))
		n, err = b.Pending(ctx, q, "orders")
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(2), stats.Acked)
}

func TestBroker_OnlyEntriesAfterSubscribe(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, nil)

	_, err := b.Publish(ctx, "orders", outbound("Early", `{}`))
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(ctx, "late", "orders"))

	envs, err := b.Receive(ctx, "late", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestBroker_QueueOverSeveralTopics(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, nil)
	require.NoError(t, b.Subscribe(ctx, "audit", "orders"))
	require.NoError(t, b.Subscribe(ctx, "audit", "products"))

	_, err := b.Publish(ctx, "orders", outbound("OrderPlaced", `{}`))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "products", outbound("ProductAdded", `{}`))
	require.NoError(t, err)

	envs, err := b.Receive(ctx, "audit", 10, 0)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	names := []string{envs[0].EventTypeName, envs[1].EventTypeName}
	assert.ElementsMatch(t, []string{"OrderPlaced", "ProductAdded"}, names)
	assert.NotEqual(t, envs[0].MessageID, envs[1].MessageID)
}

func TestBroker_ReceiveHonorsMax(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, nil)
	require.NoError(t, b.Subscribe(ctx, "q", "orders"))
	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, "orders", outbound("OrderPlaced", `{}`))
		require.NoError(t, err)
	}

	envs, err := b.Receive(ctx, "q", 3, 0)
	require.NoError(t, err)
	assert.Len(t, envs, 3)
	envs, err = b.Receive(ctx, "q", 3, 0)
	require.NoError(t, err)
	assert.Len(t, envs, 2)
}

func pendingTotal(t *testing.T, b *Broker, queue string, topics ...string) int64 {
	t.Helper()
	var total int64
	for _, topic := range topics {
		n, err := b.Pending(context.Background(), queue, topic)
		require.NoError(t, err)
		total += n
	}
	return total
}

func TestBroker_SmallMaxOverSeveralTopics(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, nil)
	require.NoError(t, b.Subscribe(ctx, "audit", "orders"))
	require.NoError(t, b.Subscribe(ctx, "audit", "products"))
	_, err := b.Publish(ctx, "orders", outbound("OrderPlaced", `{}`))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "products", outbound("ProductAdded", `{}`))
	require.NoError(t, err)

	first, err := b.Receive(ctx, "audit", 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, int64(1), pendingTotal(t, b, "audit", "orders", "products"), "only returned entries are pending")

	second, err := b.Receive(ctx, "audit", 1, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.ElementsMatch(t, []string{"OrderPlaced", "ProductAdded"}, []string{first[0].EventTypeName, second[0].EventTypeName})

	for _, env := range append(first, second...) {
		require.NoError(t, b.Delete(ctx, "audit", env.ReceiptHandle))
	}
	assert.Zero(t, pendingTotal(t, b, "audit", "orders", "products"))
}

func TestBroker_ClaimHonorsMax(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	b, mr := newTestBroker(t, func(c *Config) { c.ClaimMinIdle = time.Minute })
	require.NoError(t, b.Subscribe(ctx, "audit", "orders"))
	require.NoError(t, b.Subscribe(ctx, "audit", "products"))
	_, err := b.Publish(ctx, "orders", outbound("OrderPlaced", `{}`))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "products", outbound("ProductAdded", `{}`))
	require.NoError(t, err)

	envs, err := b.Receive(ctx, "audit", 10, 0)
	require.NoError(t, err)
	require.Len(t, envs, 2)

	mr.SetTime(start.Add(2 * time.Minute))
	var names []string
	for i := 0; i < 2; i++ {
		got, err := b.Receive(ctx, "audit", 1, 0)
		require.NoError(t, err)
		require.Len(t, got, 1, "claim %d", i)
		assert.Equal(t, 2, got[0].ReceiveCount)
		names = append(names, got[0].EventTypeName)
	}
	assert.ElementsMatch(t, []string{"OrderPlaced", "ProductAdded"}, names)
	assert.Equal(t, uint64(2), b.Stats().Claimed)
}

func TestBroker_OverflowServedFirst(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, nil)
	require.NoError(t, b.Subscribe(ctx, "audit", "orders"))

	held := []*xrelay.Envelope{{MessageID: "orders|1-0"}, {MessageID: "orders|2-0"}}
	b.putOverflow("audit", held)

	got, err := b.Receive(ctx, "audit", 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "orders|1-0", got[0].MessageID)

	got, err = b.Receive(ctx, "audit", 5, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "orders|2-0", got[0].MessageID)
	assert.Empty(t, b.takeOverflow("audit", 5))
}

func TestBroker_RedeliversIdleEntries(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	b, mr := newTestBroker(t, func(c *Config) { c.ClaimMinIdle = time.Minute })
	require.NoError(t, b.Subscribe(ctx, "q", "orders"))
	_, err := b.Publish(ctx, "orders", outbound("OrderPlaced", `{}`))
	require.NoError(t, err)

	first, err := b.Receive(ctx, "q", 10, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := b.Receive(ctx, "q", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again, "in flight until the claim timeout")

	mr.SetTime(start.Add(2 * time.Minute))
	redelivered, err := b.Receive(ctx, "q", 10, 0)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, first[0].MessageID, redelivered[0].MessageID)
	assert.Equal(t, 2, redelivered[0].ReceiveCount)
	assert.Equal(t, uint64(1), b.Stats().Claimed)

	require.NoError(t, b.Delete(ctx, "q", redelivered[0].ReceiptHandle))
	n, err := b.Pending(ctx, "q", "orders")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBroker_DeadLettersAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	b, mr := newTestBroker(t, func(c *Config) {
		c.ClaimMinIdle = time.Minute
		c.MaxDeliveries = 1
		c.DeadLetter = "orders-dlq"
	})
	require.NoError(t, b.Subscribe(ctx, "q", "orders"))
	_, err := b.Publish(ctx, "orders", outbound("Poison", `not json`))
	require.NoError(t, err)

	envs, err := b.Receive(ctx, "q", 10, 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	mr.SetTime(start.Add(2 * time.Minute))
	envs, err = b.Receive(ctx, "q", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, envs)

	entries, err := b.Client().XRange(ctx, "orders-dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "orders", entries[0].Values[fieldOrigTopic])
	assert.Equal(t, "q", entries[0].Values[fieldOrigQueue])
	assert.Equal(t, "not json", entries[0].Values[fieldPayload])

	n, err := b.Pending(ctx, "q", "orders")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(1), b.Stats().DeadLettered)
}

func TestBroker_Errors(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, nil)

	_, err := b.Receive(ctx, "nobody", 1, 0)
	assert.ErrorIs(t, err, xrelay.ErrInvalidQueue)

	assert.ErrorIs(t, b.Delete(ctx, "q", "garbage"), ErrInvalidReceipt)
	assert.ErrorIs(t, b.Delete(ctx, "q", "orders|"), ErrInvalidReceipt)
	assert.ErrorIs(t, b.Subscribe(ctx, "", "orders"), xrelay.ErrInvalidQueue)
	assert.ErrorIs(t, b.EnsureTopic(ctx, ""), xrelay.ErrInvalidTopic)

	require.NoError(t, b.Close(ctx))
	_, err = b.Publish(ctx, "orders", outbound("X", `{}`))
	assert.ErrorIs(t, err, xrelay.ErrRelayClosed)
}

func TestParseHandle(t *testing.T) {
	topic, id, ok := parseHandle("team|orders|1700000000000-0")
	require.True(t, ok)
	assert.Equal(t, "team|orders", topic)
	assert.Equal(t, "1700000000000-0", id)

	_, _, ok = parseHandle("|1-0")
	assert.False(t, ok)
}

func TestConfigFromMap(t *testing.T) {
	cfg := Defaults()
	cfg.Addr = "redis:6380"
	cfg.Consumer = "worker-1"
	cfg.ClaimMinIdle = 2 * time.Minute
	cfg.MaxDeliveries = 4
	cfg.DeadLetter = "dlq"
	cfg.MaxLenApprox = 1000

	assert.Equal(t, cfg, ConfigFromMap(cfg.toMap()))

	parsed := ConfigFromMap(map[string]any{"claim_min_idle": "45s", "max_deliveries": float64(3)})
	assert.Equal(t, 45*time.Second, parsed.ClaimMinIdle)
	assert.Equal(t, 3, parsed.MaxDeliveries)
	assert.Equal(t, "127.0.0.1:6379", parsed.Addr)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Defaults().Validate())

	bad := Defaults()
	bad.Addr = ""
	assert.Error(t, bad.Validate())

	bad = Defaults()
	bad.MaxDeliveries = -1
	assert.Error(t, bad.Validate())

	bad = Defaults()
	bad.ClaimBatch = 0
	assert.Error(t, bad.Validate())
}

func TestRegisteredFactory(t *testing.T) {
	mr := miniredis.RunT(t)
	br, err := xrelay.NewBroker(BrokerName, map[string]any{"addr": mr.Addr()})
	require.NoError(t, err)
	require.IsType(t, &Broker{}, br)
	assert.NoError(t, br.Close(context.Background()))

	_, err = xrelay.NewBroker(BrokerName, map[string]any{"addr": "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestRelayOverRedisStreams(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, nil)
	nop := zerolog.Nop()

	relay, err := xrelay.NewRelayBuilder().
		WithBrokerInstance(b).
		WithLogger(&nop).
		WithSchemas(xrelay.NewSchema[OrderPlaced]("OrderPlaced")).
		WithConsumerDefaults(xrelay.WithWaitTime(0)).
		Build()
	require.NoError(t, err)
	defer func() { _ = relay.Close(ctx) }()

	var got []OrderPlaced
	consumer, err := relay.NewConsumer(ctx, "billing", []string{"orders"},
		xrelay.WithListeners(xrelay.Handle(func(_ context.Context, ev OrderPlaced, _ *xrelay.Envelope) error {
			got = append(got, ev)
			return nil
		}, "OrderPlaced")),
	)
	require.NoError(t, err)

	pub, err := relay.NewPublisher("orders")
	require.NoError(t, err)
	_, err = pub.Publish(ctx, OrderPlaced{OrderID: "o-1", Amount: 990})
	require.NoError(t, err)

	report, err := consumer.ConsumeEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(xrelay.OutcomeDispatched))
	assert.Equal(t, []OrderPlaced{{OrderID: "o-1", Amount: 990}}, got)

	n, err := b.Pending(ctx, "billing", "orders")
	require.NoError(t, err)
	assert.Zero(t, n)
}
