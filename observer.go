package xrelay

import (
	"github.com/rs/zerolog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e BusEvent)

func (f ObserverFunc) OnEvent(e BusEvent) { f(e) }

// LoggingObserver is an Adapter that emits BusEvents via zerolog.
type LoggingObserver struct {
	Logger *zerolog.Logger
}

func (o LoggingObserver) OnEvent(e BusEvent) {
	if o.Logger == nil {
		return
	}
	var ev *zerolog.Event
	switch e.Type {
	case EventError, EventMalformed, EventListenerError, EventDedupDegraded:
		ev = o.Logger.Warn().Err(e.Err)
	default:
		ev = o.Logger.Debug()
	}
	ev = ev.Str("type", string(e.Type)).
		Str("topic", e.Topic).
		Str("queue", e.Queue).
		Str("message_id", e.MessageID).
		Str("event_type_name", e.EventTypeName)
	if e.Listener != "" {
		ev = ev.Str("listener", e.Listener)
	}
	if e.Count > 0 {
		ev = ev.Int("count", e.Count)
	}
	if e.Duration > 0 {
		ev = ev.Dur("duration", e.Duration)
	}
	ev.Msg("xrelay event")
}
