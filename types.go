package xrelay

import (
	"time"
)

// BusEventType enumerates internal lifecycle events for the Observer pattern.
type BusEventType string

const (
	EventPublishStart   BusEventType = "publish_start"
	EventPublishDone    BusEventType = "publish_done"
	EventReceive        BusEventType = "receive"
	EventConsumeStart   BusEventType = "consume_start"
	EventConsumeDone    BusEventType = "consume_done"
	EventAck            BusEventType = "ack"
	EventDuplicate      BusEventType = "duplicate"
	EventUnrouted       BusEventType = "unrouted"
	EventMalformed      BusEventType = "malformed"
	EventListenerError  BusEventType = "listener_error"
	EventDedupDegraded  BusEventType = "dedup_degraded"
	EventDedupRecovered BusEventType = "dedup_recovered"
	EventError          BusEventType = "error"
)

// BusEvent carries telemetry for observers.
type BusEvent struct {
	Type          BusEventType
	Topic         string
	Queue         string
	MessageID     string
	EventTypeName string
	Listener      string
	Count         int
	Duration      time.Duration
	Err           error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats reports observer pool counters.
type PoolStats struct {
	Dropped        uint64 // full shard or closed pool
	Processed      uint64
	ObserverPanics uint64
	ActiveEvents   int // queued across shards
	Workers        int
	BufferSize     int
}

// Metrics defines observable telemetry for a Relay.
type Metrics struct {
	Published           uint64
	PublishErrors       uint64
	Received            uint64
	Dispatched          uint64
	Duplicates          uint64
	Unrouted            uint64
	Malformed           uint64
	ListenerErrors      uint64
	Acked               uint64
	AckErrors           uint64
	ReceiveErrors       uint64
	DedupErrors         uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates relay health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
