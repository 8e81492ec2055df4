package xrelay

import (
	"time"
)

// Attribute keys stamped on outbound messages.
const (
	AttrEventTypeName  = "event_type_name"
	AttrMessageID      = "xrelay_message_id"
	AttrIdempotencyKey = "idempotency_key"
	AttrOrderingKey    = "ordering_key"
)

// Envelope is one delivery of a message as handed out by a QueueReceiver.
type Envelope struct {
	// EventTypeName is filled in once the body has been classified.
	EventTypeName string
	// Body is the raw wire payload.
	Body []byte
	// OccurredOn is advisory, taken from the payload when present.
	OccurredOn time.Time
	// MessageID is the broker-assigned id.
	MessageID string
	// ReceiptHandle is the ack token for this delivery attempt.
	ReceiptHandle string
	// Attributes carries string headers (publisher id, idempotency key, event type).
	Attributes map[string]string
	// ReceiveCount is the broker's delivery counter, 0 when unknown.
	ReceiveCount int
	// Queue the envelope was received from.
	Queue string
}

// Attribute returns a header value or "".
func (e *Envelope) Attribute(name string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[name]
}

// OutboundMessage is what a Publisher hands to a TopicPublisher.
type OutboundMessage struct {
	// ID is the publisher-assigned id (uuid), also sent as AttrMessageID.
	ID            string
	EventTypeName string
	Body          []byte
	Attributes    map[string]string
	OccurredOn    time.Time
}

// PublishReceipt describes a successful publish.
type PublishReceipt struct {
	// MessageID is the broker-assigned id, or the publisher id when the broker returns none.
	MessageID     string
	PublisherID   string
	Topic         string
	EventTypeName string
}
