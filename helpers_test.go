package xrelay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/memory"
)

type ProductAdded struct {
	ProductID int    `json:"product_id"`
	Name      string `json:"name"`
}

func (ProductAdded) EventTypeName() string { return "ProductAdded" }

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type OrderPlaced struct {
	OrderID string `json:"order_id"`
	Total   Money  `json:"total"`
}

func (OrderPlaced) EventTypeName() string { return "OrderPlaced" }

// recorder is a listener that keeps everything it was handed.
type recorder struct {
	events []string
	err    error

	mu   sync.Mutex
	got  []xrelay.Event
	envs []*xrelay.Envelope
}

func newRecorder(events ...string) *recorder { return &recorder{events: events} }

func (r *recorder) ListensTo() []string { return r.events }

func (r *recorder) Process(_ context.Context, ev xrelay.Event, env *xrelay.Envelope) error {
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	return r.err
}

func (r *recorder) Events() []xrelay.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xrelay.Event(nil), r.got...)
}

// fakeBroker hands out scripted batches and records acks.
type fakeBroker struct {
	mu          sync.Mutex
	batches     [][]*xrelay.Envelope
	receiveErr  error
	deleteErr   error
	ensureErr   error
	publishErr  error
	ensureCalls int
	deleted     []string
	published   []*xrelay.OutboundMessage
	subscribed  map[string][]string
}

var _ xrelay.Broker = (*fakeBroker)(nil)

func newFakeBroker(batches ...[]*xrelay.Envelope) *fakeBroker {
	return &fakeBroker{batches: batches, subscribed: map[string][]string{}}
}

func (f *fakeBroker) EnsureTopic(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return f.ensureErr
}

func (f *fakeBroker) Publish(_ context.Context, _ string, msg *xrelay.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return "", f.publishErr
	}
	f.published = append(f.published, msg)
	return "broker-" + msg.ID, nil
}

func (f *fakeBroker) Subscribe(_ context.Context, queue, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[queue] = append(f.subscribed[queue], topic)
	return nil
}

func (f *fakeBroker) Receive(ctx context.Context, _ string, _ int, _ time.Duration) ([]*xrelay.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	if len(f.batches) == 0 {
		return nil, ctx.Err()
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeBroker) Delete(_ context.Context, _, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, handle)
	return nil
}

func (f *fakeBroker) Close(context.Context) error { return nil }

func (f *fakeBroker) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// fakeDedup is a map-backed store whose failures can be switched on.
type fakeDedup struct {
	mu        sync.Mutex
	keys      map[string]time.Duration
	existsErr error
	setErr    error
}

func newFakeDedup() *fakeDedup { return &fakeDedup{keys: map[string]time.Duration{}} }

func (d *fakeDedup) Exists(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.existsErr != nil {
		return false, d.existsErr
	}
	_, ok := d.keys[key]
	return ok, nil
}

func (d *fakeDedup) Set(_ context.Context, key string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setErr != nil {
		return d.setErr
	}
	d.keys[key] = ttl
	return nil
}

func (d *fakeDedup) fail(err error) {
	d.mu.Lock()
	d.existsErr, d.setErr = err, err
	d.mu.Unlock()
}

var errBoom = errors.New("boom")

func envelope(id, body string) *xrelay.Envelope {
	return &xrelay.Envelope{MessageID: id, ReceiptHandle: "rh-" + id, Body: []byte(body)}
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// buildRelay builds a relay over br with a silent logger.
func buildRelay(t *testing.T, br xrelay.Broker, init func(b *xrelay.RelayBuilder)) *xrelay.Relay {
	t.Helper()
	rb := xrelay.NewRelayBuilder().
		WithBrokerInstance(br).
		WithLogger(nopLogger()).
		WithConsumerDefaults(xrelay.WithWaitTime(0))
	if init != nil {
		init(rb)
	}
	r, err := rb.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func memoryRelay(t *testing.T, init func(b *xrelay.RelayBuilder)) (*xrelay.Relay, *memory.Broker) {
	t.Helper()
	br := memory.NewBroker(memory.Config{VisibilityTimeout: time.Minute})
	return buildRelay(t, br, init), br
}

// observed collects observer events of the given types.
type observed struct {
	mu     sync.Mutex
	events []xrelay.BusEvent
}

func (o *observed) OnEvent(e xrelay.BusEvent) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *observed) count(typ xrelay.BusEventType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
