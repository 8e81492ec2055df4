package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrelay"
)

func outbound(body string) *xrelay.OutboundMessage {
	return &xrelay.OutboundMessage{
		ID:         "pub-1",
		Body:       []byte(body),
		Attributes: map[string]string{xrelay.AttrMessageID: "pub-1"},
	}
}

func TestBroker_FanOutToSubscribedQueues(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Config{})
	require.NoError(t, b.Subscribe(ctx, "billing", "orders"))
	require.NoError(t, b.Subscribe(ctx, "shipping", "orders"))
	require.NoError(t, b.Subscribe(ctx, "audit", "payments"))

	id, err := b.Publish(ctx, "orders", outbound(`{"event_type_name":"OrderPlaced"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	for _, q := range []string{"billing", "shipping"} {
		envs, err := b.Receive(ctx, q, 10, 0)
		require.NoError(t, err)
		require.Len(t, envs, 1, q)
		assert.JSONEq(t, `{"event_type_name":"OrderPlaced"}`, string(envs[0].Body))
		assert.Equal(t, "pub-1", envs[0].Attributes[xrelay.AttrMessageID])
		assert.Equal(t, 1, envs[0].ReceiveCount)
		assert.Equal(t, q, envs[0].Queue)
		assert.Equal(t, id, envs[0].MessageID, "the publish receipt names every copy")
		assert.NotEqual(t, id, envs[0].ReceiptHandle)
	}

	envs, err := b.Receive(ctx, "audit", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestBroker_PublishWithoutSubscribersDrops(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Config{})
	require.NoError(t, b.EnsureTopic(ctx, "orders"))

	_, err := b.Publish(ctx, "orders", outbound(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestBroker_VisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Config{VisibilityTimeout: time.Minute})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	require.NoError(t, b.Subscribe(ctx, "q", "t"))
	_, err := b.Publish(ctx, "t", outbound(`{"n":1}`))
	require.NoError(t, err)

	first, err := b.Receive(ctx, "q", 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := b.Receive(ctx, "q", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, again, "in-flight message must stay hidden")
	visible, inFlight := b.Depth("q")
	assert.Equal(t, 0, visible)
	assert.Equal(t, 1, inFlight)

	now = now.Add(2 * time.Minute)
	redelivered, err := b.Receive(ctx, "q", 1, 0)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, first[0].MessageID, redelivered[0].MessageID)
	assert.NotEqual(t, first[0].ReceiptHandle, redelivered[0].ReceiptHandle)
	assert.Equal(t, 2, redelivered[0].ReceiveCount)

	// The first handle is stale now.
	assert.ErrorIs(t, b.Delete(ctx, "q", first[0].ReceiptHandle), ErrUnknownReceipt)
	require.NoError(t, b.Delete(ctx, "q", redelivered[0].ReceiptHandle))

	visible, inFlight = b.Depth("q")
	assert.Zero(t, visible+inFlight)
	assert.Equal(t, uint64(1), b.Stats().Redelivered)
}

func TestBroker_ReceiveWaitsForPublish(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Config{})
	require.NoError(t, b.Subscribe(ctx, "q", "t"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Publish(ctx, "t", outbound(`{"late":true}`))
	}()

	envs, err := b.Receive(ctx, "q", 5, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, envs, 1)
}

func TestBroker_ReceiveHonorsContext(t *testing.T) {
	b := NewBroker(Config{})
	require.NoError(t, b.Subscribe(context.Background(), "q", "t"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx, "q", 1, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroker_UnknownQueue(t *testing.T) {
	b := NewBroker(Config{})
	_, err := b.Receive(context.Background(), "missing", 1, 0)
	assert.ErrorIs(t, err, xrelay.ErrInvalidQueue)
}

func TestBroker_QueueCapacity(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Config{QueueCapacity: 1})
	require.NoError(t, b.Subscribe(ctx, "q", "t"))
	_, err := b.Publish(ctx, "t", outbound(`{}`))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "t", outbound(`{}`))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestBroker_Closed(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Config{})
	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))
	_, err := b.Publish(ctx, "t", outbound(`{}`))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"queue_capacity":     float64(5),
		"visibility_timeout": "250ms",
	})
	assert.Equal(t, 5, cfg.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.VisibilityTimeout)

	assert.Equal(t, cfg, ConfigFromMap(cfg.toMap()))
}

func TestRegisteredFactory(t *testing.T) {
	br, err := xrelay.NewBroker(BrokerName, map[string]any{"visibility_timeout": "1s"})
	require.NoError(t, err)
	assert.IsType(t, &Broker{}, br)
}
