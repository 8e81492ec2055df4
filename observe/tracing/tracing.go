// Package tracing adds OpenTelemetry spans around listener invocations and
// carries trace context across the broker in message attributes.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/trickstertwo/xrelay"
)

const SpanPrefix = "xrelay.process "

const (
	AttrMessageID     = "messaging.message.id"
	AttrQueue         = "messaging.destination.name"
	AttrEventTypeName = "xrelay.event_type_name"
	AttrListener      = "xrelay.listener"
	AttrReceiveCount  = "xrelay.receive_count"
)

// Config configures the tracing middleware.
type Config struct {
	// Tracer creates the spans. Nil uses the global provider.
	Tracer trace.Tracer
	// Propagator reads the publisher's trace context from message attributes.
	// Nil uses W3C trace context.
	Propagator propagation.TextMapPropagator
}

func (c Config) withDefaults() Config {
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("github.com/trickstertwo/xrelay")
	}
	if c.Propagator == nil {
		c.Propagator = propagation.TraceContext{}
	}
	return c
}

// Middleware opens a consumer span per listener call, parented on the trace
// context the publisher injected, and records the listener's error.
func Middleware(cfg Config) xrelay.Middleware {
	cfg = cfg.withDefaults()
	return func(next xrelay.ProcessFunc) xrelay.ProcessFunc {
		return func(ctx context.Context, event xrelay.Event, env *xrelay.Envelope) error {
			if env != nil && len(env.Attributes) > 0 {
				ctx = cfg.Propagator.Extract(ctx, propagation.MapCarrier(env.Attributes))
			}

			name := ""
			if event != nil {
				name = event.EventTypeName()
			}
			ctx, span := cfg.Tracer.Start(ctx, SpanPrefix+name, trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()

			span.SetAttributes(attribute.String(AttrEventTypeName, name))
			if env != nil {
				span.SetAttributes(
					attribute.String(AttrMessageID, env.MessageID),
					attribute.String(AttrQueue, env.Queue),
					attribute.Int(AttrReceiveCount, env.ReceiveCount),
				)
			}
			if l, ok := xrelay.ListenerNameFromContext(ctx); ok {
				span.SetAttributes(attribute.String(AttrListener, l))
			}

			err := next(ctx, event, env)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}

// Inject returns ctx's trace context as message attributes, for
// xrelay.WithAttributes on publish.
func Inject(ctx context.Context, p propagation.TextMapPropagator) map[string]string {
	if p == nil {
		p = propagation.TraceContext{}
	}
	carrier := propagation.MapCarrier{}
	p.Inject(ctx, carrier)
	return carrier
}
