package xrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TopicPublisher is the publishing half of a fanout broker.
type TopicPublisher interface {
	// EnsureTopic creates the topic or returns the existing one (idempotent).
	EnsureTopic(ctx context.Context, topic string) error
	// Publish sends msg to every queue subscribed to topic and returns the broker message id.
	Publish(ctx context.Context, topic string, msg *OutboundMessage) (string, error)
}

// QueueReceiver is the consuming half of a fanout broker.
type QueueReceiver interface {
	// Receive returns up to maxMessages envelopes, long-polling up to wait.
	// An empty result is not an error.
	Receive(ctx context.Context, queue string, maxMessages int, wait time.Duration) ([]*Envelope, error)
	// Delete acknowledges one delivery so the broker will not redeliver it.
	Delete(ctx context.Context, queue, receiptHandle string) error
}

// Subscriber wires a queue to a topic, creating the queue if absent.
type Subscriber interface {
	Subscribe(ctx context.Context, queue, topic string) error
}

// Broker is the Strategy interface for managed fanout brokers.
type Broker interface {
	TopicPublisher
	QueueReceiver
	Subscriber
	Close(ctx context.Context) error
}

// BrokerFactory constructs brokers from a config blob.
type BrokerFactory func(cfg map[string]any) (Broker, error)

var (
	brokerRegistryMu sync.RWMutex
	brokerRegistry   = map[string]BrokerFactory{}
)

// RegisterBroker registers a backend adapter.
func RegisterBroker(name string, factory BrokerFactory) error {
	if name == "" {
		return errors.New("broker name must not be empty")
	}
	if factory == nil {
		return errors.New("broker factory must not be nil")
	}
	brokerRegistryMu.Lock()
	brokerRegistry[name] = factory
	brokerRegistryMu.Unlock()
	return nil
}

// NewBroker constructs a broker by name with config.
func NewBroker(name string, cfg map[string]any) (Broker, error) {
	brokerRegistryMu.RLock()
	f, ok := brokerRegistry[name]
	brokerRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, name)
	}
	return f(cfg)
}

// Brokers lists registered broker names.
func Brokers() []string {
	brokerRegistryMu.RLock()
	defer brokerRegistryMu.RUnlock()
	names := make([]string, 0, len(brokerRegistry))
	for n := range brokerRegistry {
		names = append(names, n)
	}
	return names
}
