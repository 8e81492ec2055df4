package xrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// ConsumerState is the position of a consumer in its receive cycle.
type ConsumerState int32

const (
	StateIdle ConsumerState = iota
	StateReceiving
	StateDeserializing
	StateDedupCheck
	StateDispatching
	StateAcknowledging
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateDeserializing:
		return "deserializing"
	case StateDedupCheck:
		return "dedup_check"
	case StateDispatching:
		return "dispatching"
	case StateAcknowledging:
		return "acknowledging"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// OutcomeStatus classifies what happened to one received message.
type OutcomeStatus string

const (
	OutcomeDispatched OutcomeStatus = "dispatched"
	OutcomeDuplicate  OutcomeStatus = "duplicate"
	OutcomeUnrouted   OutcomeStatus = "unrouted"
	OutcomeMalformed  OutcomeStatus = "malformed"
)

// MessageOutcome is the per-message part of a CycleReport.
type MessageOutcome struct {
	MessageID     string
	EventTypeName string
	DedupKey      string
	Status        OutcomeStatus
	// Listeners is the number of listeners invoked.
	Listeners int
	// ListenerErrors holds one *ListenerError per failed listener.
	ListenerErrors []error
	Acked          bool
	// Err is the malformed-payload or ack error, if any.
	Err error
}

// CycleReport summarizes one ConsumeEvent call.
type CycleReport struct {
	Queue    string
	Received int
	Outcomes []MessageOutcome
	Duration time.Duration
}

// Count returns how many messages ended with status.
func (r CycleReport) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Consumer reads one queue, deduplicates deliveries and dispatches events to
// listeners by event type name.
type Consumer struct {
	relay    *Relay
	queue    string
	topics   []string
	cfg      ConsumerConfig
	dispatch *dispatcher

	cycleMu   sync.Mutex
	looping   atomic.Bool
	state     atomic.Int32
	dedupDown atomic.Bool
}

func (c *Consumer) Queue() string            { return c.queue }
func (c *Consumer) Topics() []string         { return append([]string(nil), c.topics...) }
func (c *Consumer) Config() ConsumerConfig   { return c.cfg }
func (c *Consumer) State() ConsumerState     { return ConsumerState(c.state.Load()) }
func (c *Consumer) Running() bool            { return c.looping.Load() }
func (c *Consumer) ListenerCount() int       { return c.dispatch.count() }
func (c *Consumer) setState(s ConsumerState) { c.state.Store(int32(s)) }

// AddListener registers l for the names it listens to. Registering the same
// listener instance twice does not cause duplicate dispatch.
func (c *Consumer) AddListener(l Listener) error {
	return c.dispatch.add(l)
}

// RemoveListener unregisters l. It reports whether l was registered.
func (c *Consumer) RemoveListener(l Listener) bool {
	return c.dispatch.remove(l)
}

// IsSubscribed reports whether l receives events named eventTypeName.
func (c *Consumer) IsSubscribed(l Listener, eventTypeName string) bool {
	return c.dispatch.subscribed(l, eventTypeName)
}

// ConsumeEvent runs one receive cycle. Only broker failures are returned:
// a receive failure aborts the cycle, ack failures are joined after every
// received message was handled. Malformed payloads and listener failures are
// reported in the CycleReport.
func (c *Consumer) ConsumeEvent(ctx context.Context) (CycleReport, error) {
	return c.cycle(ctx, ctx)
}

// Run loops ConsumeEvent until ctx is done. Receive failures back off
// exponentially (100ms doubling up to 5s).
func (c *Consumer) Run(ctx context.Context) error {
	if !c.looping.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.looping.Store(false)
	return c.loop(ctx, ctx, nil)
}

// loop runs cycles until recvCtx is done or stop is closed. work is the
// context handed to listeners and ack calls.
func (c *Consumer) loop(recvCtx, work context.Context, stop <-chan struct{}) error {
	r := c.relay
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-stop:
			return nil
		case <-recvCtx.Done():
			if stop != nil {
				return nil
			}
			return recvCtx.Err()
		default:
		}

		report, err := c.cycle(recvCtx, work)
		if err != nil {
			if recvCtx.Err() != nil {
				continue
			}
			if errors.Is(err, ErrReceiveFailure) {
				r.logger.Warn().Err(err).Str("queue", c.queue).Dur("backoff", backoff).Msg("xrelay: receive failed")
				if !sleepCtx(recvCtx, stop, backoff) {
					continue
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			r.logger.Warn().Err(err).Str("queue", c.queue).Msg("xrelay: cycle finished with errors")
		}
		backoff = 100 * time.Millisecond

		if report.Received == 0 && c.cfg.IdleDelay > 0 {
			sleepCtx(recvCtx, stop, c.cfg.IdleDelay)
		}
	}
}

// cycle is ConsumeEvent with separate contexts for the receive call and for
// the work done on received messages.
func (c *Consumer) cycle(recvCtx, work context.Context) (CycleReport, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	r := c.relay
	start := r.clock.Now()
	report := CycleReport{Queue: c.queue}
	defer c.setState(StateIdle)

	if r.closed.Load() {
		return report, ErrRelayClosed
	}

	c.setState(StateReceiving)
	envs, err := r.broker.Receive(recvCtx, c.queue, c.cfg.MaxMessages, c.cfg.WaitTime)
	if err != nil {
		if recvCtx.Err() == nil {
			r.metrics.receiveErrors.Add(1)
			r.notify(BusEvent{Type: EventError, Queue: c.queue, Err: err})
		}
		return report, fmt.Errorf("%w: %s: %w", ErrReceiveFailure, c.queue, err)
	}
	report.Received = len(envs)
	if len(envs) == 0 {
		return report, nil
	}
	r.metrics.received.Add(uint64(len(envs)))
	r.notify(BusEvent{Type: EventReceive, Queue: c.queue, Count: len(envs)})

	hctx := withValue(InjectAll(work, r.codec, r.logger, r.clock), queueCtxKey, c.queue)

	var ackErrs []error
	report.Outcomes = make([]MessageOutcome, 0, len(envs))
	for _, env := range envs {
		if env == nil {
			continue
		}
		out := c.handle(hctx, env)
		if out.Err != nil && out.Status != OutcomeMalformed {
			ackErrs = append(ackErrs, out.Err)
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	report.Duration = r.clock.Since(start)
	r.recordProcessingTime(report.Duration.Nanoseconds())
	return report, errors.Join(ackErrs...)
}

// handle takes one envelope through DESERIALIZING → DEDUP_CHECK →
// DISPATCHING → ACKNOWLEDGING.
func (c *Consumer) handle(ctx context.Context, env *Envelope) MessageOutcome {
	r := c.relay
	start := r.clock.Now()
	env.Queue = c.queue
	out := MessageOutcome{MessageID: env.MessageID}

	c.setState(StateDeserializing)
	event, err := r.serializer.Deserialize(env.Body)
	if err != nil {
		// Left un-acked: the broker redelivers it and eventually dead-letters it.
		out.Status = OutcomeMalformed
		out.Err = err
		r.metrics.malformed.Add(1)
		r.logger.Warn().Err(err).Str("queue", c.queue).Str("message_id", env.MessageID).Msg("xrelay: malformed payload")
		r.notify(BusEvent{Type: EventMalformed, Queue: c.queue, MessageID: env.MessageID, Err: err})
		return out
	}
	// Route by the name on the wire; a schema may be registered under a name
	// that differs from the Go type's own.
	env.EventTypeName, _ = r.serializer.EventTypeNameOf(env.Body)
	if env.OccurredOn.IsZero() {
		if ts := gjson.GetBytes(env.Body, FieldOccurredOn); ts.Exists() {
			if t, perr := time.Parse(time.RFC3339Nano, ts.String()); perr == nil {
				env.OccurredOn = t
			}
		}
	}
	out.EventTypeName = env.EventTypeName

	c.setState(StateDedupCheck)
	key := ""
	if k := c.cfg.DedupKey(env); k != "" {
		key = c.queue + ":" + k
	}
	out.DedupKey = key
	if key != "" && c.seen(ctx, key) {
		out.Status = OutcomeDuplicate
		r.metrics.duplicates.Add(1)
		r.notify(BusEvent{Type: EventDuplicate, Queue: c.queue, MessageID: env.MessageID, EventTypeName: env.EventTypeName})
		c.ack(ctx, env, &out)
		return out
	}

	routes := c.dispatch.lookup(env.EventTypeName)
	if len(routes) == 0 {
		out.Status = OutcomeUnrouted
		r.metrics.unrouted.Add(1)
		r.logger.Debug().Str("queue", c.queue).Str("event_type_name", env.EventTypeName).Msg("xrelay: no listener, acking")
		r.notify(BusEvent{Type: EventUnrouted, Queue: c.queue, MessageID: env.MessageID, EventTypeName: env.EventTypeName})
		c.ack(ctx, env, &out)
		return out
	}

	c.setState(StateDispatching)
	r.notify(BusEvent{Type: EventConsumeStart, Queue: c.queue, MessageID: env.MessageID, EventTypeName: env.EventTypeName})
	for _, rt := range routes {
		out.Listeners++
		if lerr := rt.invoke(ctx, event, env); lerr != nil {
			le := &ListenerError{
				Listener:      rt.name,
				EventTypeName: env.EventTypeName,
				MessageID:     env.MessageID,
				Err:           lerr,
			}
			out.ListenerErrors = append(out.ListenerErrors, le)
			r.metrics.listenerErrors.Add(1)
			r.logger.Error().Err(lerr).
				Str("queue", c.queue).
				Str("listener", rt.name).
				Str("event_type_name", env.EventTypeName).
				Str("message_id", env.MessageID).
				Msg("xrelay: listener failed")
			r.notify(BusEvent{Type: EventListenerError, Queue: c.queue, MessageID: env.MessageID, EventTypeName: env.EventTypeName, Listener: rt.name, Err: le})
		}
	}
	out.Status = OutcomeDispatched
	r.metrics.dispatched.Add(1)

	if key != "" {
		c.remember(ctx, key)
	}
	r.notify(BusEvent{
		Type:          EventConsumeDone,
		Queue:         c.queue,
		MessageID:     env.MessageID,
		EventTypeName: env.EventTypeName,
		Count:         out.Listeners,
		Duration:      r.clock.Since(start),
		Err:           errors.Join(out.ListenerErrors...),
	})
	c.ack(ctx, env, &out)
	return out
}

// ack deletes the delivery with the relay's ack timeout.
func (c *Consumer) ack(ctx context.Context, env *Envelope, out *MessageOutcome) {
	r := c.relay
	c.setState(StateAcknowledging)

	actx := ctx
	cancel := func() {}
	if r.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, r.ackTimeout)
	}
	defer cancel()

	if err := r.broker.Delete(actx, c.queue, env.ReceiptHandle); err != nil {
		out.Err = fmt.Errorf("%w: %s message %s: %w", ErrAckFailure, c.queue, env.MessageID, err)
		r.metrics.ackErrors.Add(1)
		r.logger.Warn().Err(err).Str("queue", c.queue).Str("message_id", env.MessageID).Msg("xrelay: ack failed")
		r.notify(BusEvent{Type: EventError, Queue: c.queue, MessageID: env.MessageID, EventTypeName: env.EventTypeName, Err: out.Err})
		return
	}
	out.Acked = true
	r.metrics.acked.Add(1)
	r.notify(BusEvent{Type: EventAck, Queue: c.queue, MessageID: env.MessageID, EventTypeName: env.EventTypeName})
}

// seen asks the dedup store about key. A store failure counts as "not seen".
func (c *Consumer) seen(ctx context.Context, key string) bool {
	ok, err := c.relay.dedup.Exists(ctx, key)
	if err != nil {
		c.dedupFailed(err)
		return false
	}
	c.dedupRecovered()
	return ok
}

// remember writes key best-effort after dispatch.
func (c *Consumer) remember(ctx context.Context, key string) {
	if err := c.relay.dedup.Set(ctx, key, c.cfg.DedupTTL); err != nil {
		c.dedupFailed(err)
		return
	}
	c.dedupRecovered()
}

// dedupFailed logs once per outage, not once per message.
func (c *Consumer) dedupFailed(err error) {
	r := c.relay
	r.metrics.dedupErrors.Add(1)
	if !c.dedupDown.CompareAndSwap(false, true) {
		return
	}
	r.dedupDown.Add(1)
	err = fmt.Errorf("%w: %w", ErrDedupStoreUnavailable, err)
	r.logger.Warn().Err(err).Str("queue", c.queue).Msg("xrelay: dedup store unreachable, processing without dedup")
	r.notify(BusEvent{Type: EventDedupDegraded, Queue: c.queue, Err: err})
}

func (c *Consumer) dedupRecovered() {
	if !c.dedupDown.CompareAndSwap(true, false) {
		return
	}
	r := c.relay
	r.dedupDown.Add(-1)
	r.logger.Info().Str("queue", c.queue).Msg("xrelay: dedup store reachable again")
	r.notify(BusEvent{Type: EventDedupRecovered, Queue: c.queue})
}

// sleepCtx waits d unless ctx ends or stop closes first. It reports whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}
