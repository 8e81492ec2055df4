package xrelay

import (
	"context"
)

// ProcessFunc handles one deserialized event. Return an error to report a listener failure.
type ProcessFunc func(ctx context.Context, event Event, env *Envelope) error

// Middleware composes processing concerns around a ProcessFunc.
type Middleware func(next ProcessFunc) ProcessFunc

// Listener is user code reacting to events.
//
// ListensTo is read when the listener is registered; the routing table is
// rebuilt from it on every registration change, not per message.
type Listener interface {
	ListensTo() []string
	Process(ctx context.Context, event Event, env *Envelope) error
}

// Observer receives relay lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e BusEvent)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete xrelay surface for extensibility.
type API interface {
	NewPublisher(topic string) (*Publisher, error)
	NewConsumer(ctx context.Context, queue string, topics []string, opts ...ConsumerOption) (*Consumer, error)
	Serializer() *Serializer
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Relay)(nil)
var _ HealthChecker = (*Relay)(nil)
