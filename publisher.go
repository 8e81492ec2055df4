package xrelay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Publisher sends events to one topic.
type Publisher struct {
	relay *Relay
	topic string

	ensureMu sync.Mutex
	ensured  bool
}

func (p *Publisher) Topic() string { return p.topic }

// Publish serializes event and sends it to the topic. The topic is ensured on
// the first call; a failed ensure is retried by the next Publish.
// OPTIMIZATION: fail fast on closed relay and bad input before any broker call.
func (p *Publisher) Publish(ctx context.Context, event any, opts ...PublishOption) (PublishReceipt, error) {
	r := p.relay
	if r.closed.Load() {
		return PublishReceipt{}, ErrRelayClosed
	}

	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, name, err := r.serializer.Serialize(event, o.eventTypeName)
	if err != nil {
		r.metrics.publishErrors.Add(1)
		return PublishReceipt{}, err
	}

	occurred := r.clock.Now().UTC()
	if ts := gjson.GetBytes(data, FieldOccurredOn); ts.Exists() {
		if t, perr := time.Parse(time.RFC3339Nano, ts.String()); perr == nil {
			occurred = t
		}
	} else {
		data, err = sjson.SetBytes(data, FieldOccurredOn, occurred.Format(time.RFC3339Nano))
		if err != nil {
			r.metrics.publishErrors.Add(1)
			return PublishReceipt{}, fmt.Errorf("xrelay: stamp %s: %w", FieldOccurredOn, err)
		}
	}

	id := uuid.NewString()
	attrs := make(map[string]string, len(o.attributes)+3)
	for k, v := range o.attributes {
		attrs[k] = v
	}
	attrs[AttrEventTypeName] = name
	attrs[AttrMessageID] = id
	if o.idempotencyKey != "" {
		attrs[AttrIdempotencyKey] = o.idempotencyKey
	}

	msg := &OutboundMessage{
		ID:            id,
		EventTypeName: name,
		Body:          data,
		Attributes:    attrs,
		OccurredOn:    occurred,
	}

	if err := p.ensureTopic(ctx); err != nil {
		r.metrics.publishErrors.Add(1)
		r.notify(BusEvent{Type: EventError, Topic: p.topic, EventTypeName: name, Err: err})
		return PublishReceipt{}, err
	}

	start := r.clock.Now()
	r.notify(BusEvent{Type: EventPublishStart, Topic: p.topic, MessageID: id, EventTypeName: name})

	brokerID, err := r.broker.Publish(ctx, p.topic, msg)

	duration := r.clock.Since(start)
	r.notify(BusEvent{
		Type:          EventPublishDone,
		Topic:         p.topic,
		MessageID:     id,
		EventTypeName: name,
		Duration:      duration,
		Err:           err,
	})

	if err != nil {
		r.metrics.publishErrors.Add(1)
		r.logger.Warn().Err(err).Str("topic", p.topic).Str("event_type_name", name).Msg("xrelay: publish failed")
		return PublishReceipt{}, fmt.Errorf("%w: %s: %w", ErrPublishFailure, p.topic, err)
	}
	r.metrics.published.Add(1)

	if brokerID == "" {
		brokerID = id
	}
	return PublishReceipt{
		MessageID:     brokerID,
		PublisherID:   id,
		Topic:         p.topic,
		EventTypeName: name,
	}, nil
}

// PublishBatch publishes events in order and stops at the first failure.
// The receipts of the events published so far are returned with the error.
func (p *Publisher) PublishBatch(ctx context.Context, events ...any) ([]PublishReceipt, error) {
	receipts := make([]PublishReceipt, 0, len(events))
	for i, ev := range events {
		rc, err := p.Publish(ctx, ev)
		if err != nil {
			return receipts, fmt.Errorf("xrelay: batch item %d: %w", i, err)
		}
		receipts = append(receipts, rc)
	}
	return receipts, nil
}

func (p *Publisher) ensureTopic(ctx context.Context) error {
	p.ensureMu.Lock()
	defer p.ensureMu.Unlock()
	if p.ensured {
		return nil
	}
	if err := p.relay.broker.EnsureTopic(ctx, p.topic); err != nil {
		return fmt.Errorf("%w: ensure topic %s: %w", ErrPublishFailure, p.topic, err)
	}
	p.ensured = true
	return nil
}
