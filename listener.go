package xrelay

import (
	"context"
	"fmt"
)

// ListenerFunc is an Adapter that lets a plain function act as a Listener
// for a fixed set of event type names.
type ListenerFunc struct {
	Name   string
	Events []string
	Fn     ProcessFunc
}

var _ Listener = (*ListenerFunc)(nil)

// NewListener wraps fn as a Listener interested in events.
func NewListener(fn ProcessFunc, events ...string) *ListenerFunc {
	return &ListenerFunc{Events: events, Fn: fn}
}

func (l *ListenerFunc) ListensTo() []string { return l.Events }

func (l *ListenerFunc) Process(ctx context.Context, event Event, env *Envelope) error {
	return l.Fn(ctx, event, env)
}

// String names the listener in logs and errors.
func (l *ListenerFunc) String() string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("ListenerFunc%v", l.Events)
}

// typedListener dispatches to fn with the event converted to T.
type typedListener[T Event] struct {
	name   string
	events []string
	fn     func(ctx context.Context, event T, env *Envelope) error
}

// Handle builds a typed Listener. Events decoded by a registered schema are
// passed through; a Record is converted into T with the context codec.
func Handle[T Event](fn func(ctx context.Context, event T, env *Envelope) error, events ...string) Listener {
	var zero T
	return &typedListener[T]{
		name:   fmt.Sprintf("Handle[%T]", zero),
		events: events,
		fn:     fn,
	}
}

func (l *typedListener[T]) ListensTo() []string { return l.events }

func (l *typedListener[T]) Process(ctx context.Context, event Event, env *Envelope) error {
	v, err := Decode[T](ctx, event)
	if err != nil {
		return err
	}
	return l.fn(ctx, v, env)
}

func (l *typedListener[T]) String() string { return l.name }

// listenerName is used in ListenerError, logs and observer events.
func listenerName(l Listener) string {
	if s, ok := l.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", l)
}
