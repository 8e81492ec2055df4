// Package prom exports xrelay lifecycle events as Prometheus metrics.
package prom

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xrelay"
)

// Observer is an xrelay.Observer feeding Prometheus collectors.
type Observer struct {
	events         *prometheus.CounterVec
	listenerErrors *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	received       *prometheus.CounterVec
}

var _ xrelay.Observer = (*Observer)(nil)

// New registers the collectors on reg under namespace (default "xrelay").
func New(reg prometheus.Registerer, namespace string) (*Observer, error) {
	if namespace == "" {
		namespace = "xrelay"
	}
	o := &Observer{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay lifecycle events by type.",
		}, []string{"type", "topic", "queue", "event_type_name"}),
		listenerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_errors_total",
			Help:      "Listener failures by queue and listener.",
		}, []string{"queue", "listener"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Publish and per-message consume latency.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"op", "queue", "topic"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_messages_total",
			Help:      "Messages handed out by the broker.",
		}, []string{"queue"}),
	}

	for _, c := range []prometheus.Collector{o.events, o.listenerErrors, o.duration, o.received} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return o, nil
}

// MustNew is New that panics, for package-level wiring.
func MustNew(reg prometheus.Registerer, namespace string) *Observer {
	o, err := New(reg, namespace)
	if err != nil {
		panic(err)
	}
	return o
}

func (o *Observer) OnEvent(e xrelay.BusEvent) {
	o.events.WithLabelValues(string(e.Type), e.Topic, e.Queue, e.EventTypeName).Inc()

	switch e.Type {
	case xrelay.EventReceive:
		o.received.WithLabelValues(e.Queue).Add(float64(e.Count))
	case xrelay.EventListenerError:
		o.listenerErrors.WithLabelValues(e.Queue, e.Listener).Inc()
	case xrelay.EventPublishDone:
		o.duration.WithLabelValues("publish", "", e.Topic).Observe(e.Duration.Seconds())
	case xrelay.EventConsumeDone:
		o.duration.WithLabelValues("consume", e.Queue, "").Observe(e.Duration.Seconds())
	}
}
