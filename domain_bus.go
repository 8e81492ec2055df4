package xrelay

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// DomainEventBus delivers events to listeners synchronously inside the
// process, without a broker. It shares the routing and isolation rules of a
// Consumer: listeners run in registration order and one failure does not stop
// the others.
type DomainEventBus struct {
	dispatch *dispatcher
	codec    Codec
	logger   *zerolog.Logger
}

// NewDomainEventBus returns an empty bus. Middlewares wrap every listener.
func NewDomainEventBus(logger *zerolog.Logger, mws ...Middleware) *DomainEventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &DomainEventBus{
		dispatch: newDispatcher(mws...),
		codec:    JSONCodec{},
		logger:   logger,
	}
}

func (b *DomainEventBus) Subscribe(l Listener) error  { return b.dispatch.add(l) }
func (b *DomainEventBus) Unsubscribe(l Listener) bool { return b.dispatch.remove(l) }
func (b *DomainEventBus) IsSubscribed(l Listener, eventTypeName string) bool {
	return b.dispatch.subscribed(l, eventTypeName)
}

// Reset drops every subscription.
func (b *DomainEventBus) Reset() { b.dispatch.reset() }

// Publish hands event to every interested listener and returns their
// failures joined, each as a *ListenerError.
func (b *DomainEventBus) Publish(ctx context.Context, event Event) error {
	if isNil(event) {
		return ErrInvalidEvent
	}
	name := event.EventTypeName()
	if name == "" {
		return ErrMissingEventTypeName
	}
	env := &Envelope{EventTypeName: name}
	ctx = injectLogger(injectCodec(ctx, b.codec), b.logger)

	var errs []error
	for _, rt := range b.dispatch.lookup(name) {
		if err := rt.invoke(ctx, event, env); err != nil {
			b.logger.Error().Err(err).Str("listener", rt.name).Str("event_type_name", name).Msg("xrelay: domain listener failed")
			errs = append(errs, &ListenerError{Listener: rt.name, EventTypeName: name, Err: err})
		}
	}
	return errors.Join(errs...)
}
