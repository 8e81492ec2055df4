package xrelay

import (
	"errors"
	"fmt"
)

var (
	// Wire / schema errors.
	ErrMalformedPayload     = errors.New("xrelay: malformed payload")
	ErrUnknownEventType     = errors.New("xrelay: unknown event type")
	ErrMissingEventTypeName = errors.New("xrelay: missing event type name")
	ErrInvalidEvent         = errors.New("xrelay: event must encode to a JSON object")
	ErrInvalidSchema        = errors.New("xrelay: invalid schema")
	ErrUnknownCodec         = errors.New("xrelay: unknown codec")
	ErrInvalidCodec         = errors.New("xrelay: invalid codec")

	// Broker errors.
	ErrPublishFailure     = errors.New("xrelay: publish failed")
	ErrReceiveFailure     = errors.New("xrelay: receive failed")
	ErrAckFailure         = errors.New("xrelay: ack failed")
	ErrInvalidTopic       = errors.New("xrelay: invalid topic")
	ErrInvalidQueue       = errors.New("xrelay: invalid queue")
	ErrUnknownBroker      = errors.New("xrelay: unknown broker")
	ErrNoBrokerConfigured = errors.New("xrelay: no broker configured")

	// Dedup store errors.
	ErrDedupStoreUnavailable = errors.New("xrelay: dedup store unavailable")

	// Lifecycle errors.
	ErrAlreadyRunning              = errors.New("xrelay: consumer loop already running")
	ErrRelayClosed                 = errors.New("xrelay: relay is closed")
	ErrInvalidListener             = errors.New("xrelay: invalid listener")
	ErrObserverPoolShutdownTimeout = errors.New("xrelay: observer pool shutdown timeout")
	ErrBusClosed                   = errors.New("xrelay: event bus is shut down")
)

// ListenerError reports a failure of one listener for one message.
// Other listeners of the same message are still invoked.
type ListenerError struct {
	Listener      string
	EventTypeName string
	MessageID     string
	Err           error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("xrelay: listener %s failed on %s (message %s): %v",
		e.Listener, e.EventTypeName, e.MessageID, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }
