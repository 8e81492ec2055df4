package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/memory"
)

func setupTestTracer(t *testing.T) (trace.Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider.Tracer("test-tracer"), exporter
}

func getSpanByName(exporter *tracetest.InMemoryExporter, name string) (tracetest.SpanStub, bool) {
	for _, span := range exporter.GetSpans() {
		if span.Name == name {
			return span, true
		}
	}
	return tracetest.SpanStub{}, false
}

func getAttributeValue(span tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key {
			return attr.Value, true
		}
	}
	return attribute.Value{}, false
}

type ProductAdded struct {
	ProductID int `json:"product_id"`
}

func (ProductAdded) EventTypeName() string { return "ProductAdded" }

func TestMiddleware_ContinuesPublisherTrace(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	ctx := context.Background()
	nop := zerolog.Nop()

	relay, err := memory.Use(memory.Config{},
		memory.WithLogger(&nop),
		memory.WithSchemas(xrelay.NewSchema[ProductAdded]("ProductAdded")),
	)
	require.NoError(t, err)
	defer func() { _ = relay.Close(ctx) }()

	indexer := xrelay.NewListener(func(context.Context, xrelay.Event, *xrelay.Envelope) error { return nil }, "ProductAdded")
	indexer.Name = "indexer"
	failing := xrelay.NewListener(func(context.Context, xrelay.Event, *xrelay.Envelope) error { return errors.New("index down") }, "ProductAdded")
	failing.Name = "failing"

	consumer, err := relay.NewConsumer(ctx, "catalog", []string{"products"},
		xrelay.WithWaitTime(0),
		xrelay.WithConsumerMiddleware(Middleware(Config{Tracer: tracer})),
		xrelay.WithListeners(indexer, failing),
	)
	require.NoError(t, err)

	pubCtx, parent := tracer.Start(ctx, "http.request")
	pub, err := relay.NewPublisher("products")
	require.NoError(t, err)
	_, err = pub.Publish(pubCtx, ProductAdded{ProductID: 7}, xrelay.WithAttributes(Inject(pubCtx, nil)))
	require.NoError(t, err)
	parent.End()

	_, err = consumer.ConsumeEvent(ctx)
	require.NoError(t, err)

	var spans []tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		if s.Name == SpanPrefix+"ProductAdded" {
			spans = append(spans, s)
		}
	}
	require.Len(t, spans, 2)

	for _, s := range spans {
		assert.Equal(t, parent.SpanContext().TraceID(), s.SpanContext.TraceID())
		assert.Equal(t, parent.SpanContext().SpanID(), s.Parent.SpanID())
		assert.Equal(t, trace.SpanKindConsumer, s.SpanKind)
		q, ok := getAttributeValue(s, AttrQueue)
		require.True(t, ok)
		assert.Equal(t, "catalog", q.AsString())

		l, _ := getAttributeValue(s, AttrListener)
		switch l.AsString() {
		case "indexer":
			assert.Equal(t, codes.Ok, s.Status.Code)
		case "failing":
			assert.Equal(t, codes.Error, s.Status.Code)
			assert.Equal(t, "index down", s.Status.Description)
		default:
			t.Fatalf("unexpected listener %q", l.AsString())
		}
	}
}

func TestMiddleware_WithoutTraceContext(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	mw := Middleware(Config{Tracer: tracer})

	err := mw(func(context.Context, xrelay.Event, *xrelay.Envelope) error { return nil })(
		context.Background(),
		xrelay.Record{"event_type_name": "OrderPlaced"},
		&xrelay.Envelope{MessageID: "m-1", Queue: "billing", ReceiveCount: 2},
	)
	require.NoError(t, err)

	span, ok := getSpanByName(exporter, SpanPrefix+"OrderPlaced")
	require.True(t, ok)
	assert.False(t, span.Parent.IsValid())
	rc, _ := getAttributeValue(span, AttrReceiveCount)
	assert.Equal(t, int64(2), rc.AsInt64())
}

func TestInject(t *testing.T) {
	tracer, _ := setupTestTracer(t)
	ctx, span := tracer.Start(context.Background(), "op")
	defer span.End()

	attrs := Inject(ctx, nil)
	assert.Contains(t, attrs, "traceparent")
	assert.Empty(t, Inject(context.Background(), nil))
}
