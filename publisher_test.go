package xrelay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/trickstertwo/xrelay"
)

func TestPublisher_Publish(t *testing.T) {
	br := newFakeBroker()
	r := buildRelay(t, br, nil)
	pub, err := r.NewPublisher("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", pub.Topic())

	receipt, err := pub.Publish(context.Background(), OrderPlaced{OrderID: "o-1", Total: Money{Amount: 1250, Currency: "EUR"}},
		xrelay.WithAttributes(map[string]string{"tenant": "acme"}),
		xrelay.WithIdempotencyKey("o-1"),
	)
	require.NoError(t, err)

	require.Len(t, br.published, 1)
	msg := br.published[0]
	assert.Equal(t, "OrderPlaced", msg.EventTypeName)
	assert.Equal(t, "OrderPlaced", gjson.GetBytes(msg.Body, "event_type_name").String())
	assert.Equal(t, int64(1250), gjson.GetBytes(msg.Body, "total.amount").Int())
	assert.True(t, gjson.GetBytes(msg.Body, "occurred_on").Exists())

	assert.Equal(t, "acme", msg.Attributes["tenant"])
	assert.Equal(t, "o-1", msg.Attributes[xrelay.AttrIdempotencyKey])
	assert.Equal(t, "OrderPlaced", msg.Attributes[xrelay.AttrEventTypeName])
	assert.Equal(t, msg.ID, msg.Attributes[xrelay.AttrMessageID])

	assert.Equal(t, "broker-"+msg.ID, receipt.MessageID)
	assert.Equal(t, msg.ID, receipt.PublisherID)
	assert.Equal(t, "orders", receipt.Topic)
	assert.Equal(t, uint64(1), r.GetMetrics().Published)
}

func TestPublisher_KeepsExistingOccurredOn(t *testing.T) {
	br := newFakeBroker()
	r := buildRelay(t, br, nil)
	pub, err := r.NewPublisher("orders")
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), xrelay.Record{
		"event_type_name": "OrderPlaced",
		"occurred_on":     "2024-05-01T10:00:00Z",
	})
	require.NoError(t, err)
	msg := br.published[0]
	assert.Equal(t, "2024-05-01T10:00:00Z", gjson.GetBytes(msg.Body, "occurred_on").String())
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), msg.OccurredOn)
}

func TestPublisher_EventTypeNameOverride(t *testing.T) {
	br := newFakeBroker()
	r := buildRelay(t, br, nil)
	pub, _ := r.NewPublisher("orders")

	rc, err := pub.Publish(context.Background(), map[string]any{"id": 1}, xrelay.WithEventTypeName("Legacy"))
	require.NoError(t, err)
	assert.Equal(t, "Legacy", rc.EventTypeName)
	assert.Equal(t, "Legacy", gjson.GetBytes(br.published[0].Body, "event_type_name").String())
}

func TestPublisher_EnsuresTopicOnce(t *testing.T) {
	br := newFakeBroker()
	br.ensureErr = errBoom
	r := buildRelay(t, br, nil)
	pub, _ := r.NewPublisher("orders")

	_, err := pub.Publish(context.Background(), ProductAdded{ProductID: 1})
	assert.ErrorIs(t, err, xrelay.ErrPublishFailure)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, br.published)

	br.mu.Lock()
	br.ensureErr = nil
	br.mu.Unlock()

	for i := 0; i < 3; i++ {
		_, err = pub.Publish(context.Background(), ProductAdded{ProductID: i})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, br.ensureCalls, "ensure is retried after a failure, then cached")
}

func TestPublisher_BrokerFailure(t *testing.T) {
	br := newFakeBroker()
	br.publishErr = errBoom
	obs := &observed{}
	r := buildRelay(t, br, func(b *xrelay.RelayBuilder) { b.WithObserver(obs) })
	pub, _ := r.NewPublisher("orders")

	_, err := pub.Publish(context.Background(), ProductAdded{ProductID: 1})
	assert.ErrorIs(t, err, xrelay.ErrPublishFailure)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, uint64(1), r.GetMetrics().PublishErrors)
	assert.Equal(t, 1, obs.count(xrelay.EventPublishStart))
	assert.Equal(t, 1, obs.count(xrelay.EventPublishDone))
}

func TestPublisher_RejectsBadInput(t *testing.T) {
	br := newFakeBroker()
	r := buildRelay(t, br, nil)
	pub, _ := r.NewPublisher("orders")

	_, err := pub.Publish(context.Background(), nil)
	assert.ErrorIs(t, err, xrelay.ErrInvalidEvent)
	_, err = pub.Publish(context.Background(), map[string]any{"id": 1})
	assert.ErrorIs(t, err, xrelay.ErrMissingEventTypeName)
	assert.Zero(t, br.ensureCalls, "nothing reaches the broker")

	_, err = r.NewPublisher("")
	assert.ErrorIs(t, err, xrelay.ErrInvalidTopic)
}

func TestPublisher_BatchStopsAtFirstFailure(t *testing.T) {
	br := newFakeBroker()
	r := buildRelay(t, br, nil)
	pub, _ := r.NewPublisher("orders")

	receipts, err := pub.PublishBatch(context.Background(),
		ProductAdded{ProductID: 1},
		map[string]any{"nameless": true},
		ProductAdded{ProductID: 3},
	)
	assert.ErrorIs(t, err, xrelay.ErrMissingEventTypeName)
	assert.ErrorContains(t, err, "batch item 1")
	assert.Len(t, receipts, 1)
	assert.Len(t, br.published, 1)
}

func TestPublisher_ClosedRelay(t *testing.T) {
	r := buildRelay(t, newFakeBroker(), nil)
	pub, _ := r.NewPublisher("orders")
	require.NoError(t, r.Close(context.Background()))

	_, err := pub.Publish(context.Background(), ProductAdded{})
	assert.ErrorIs(t, err, xrelay.ErrRelayClosed)
	_, err = r.NewPublisher("orders")
	assert.ErrorIs(t, err, xrelay.ErrRelayClosed)
}
