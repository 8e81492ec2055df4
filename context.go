package xrelay

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

type ctxKey string

const (
	codecCtxKey    ctxKey = "xrelay:codec"
	loggerCtxKey   ctxKey = "xrelay:logger"
	clockCtxKey    ctxKey = "xrelay:clock"
	listenerCtxKey ctxKey = "xrelay:listener"
	queueCtxKey    ctxKey = "xrelay:queue"
)

func withValue[T comparable](ctx context.Context, key ctxKey, v T) context.Context {
	var zero T
	if v == zero {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func fromContext[T comparable](ctx context.Context, key ctxKey) (T, bool) {
	v, ok := ctx.Value(key).(T)
	var zero T
	return v, ok && v != zero
}

func injectCodec(ctx context.Context, c Codec) context.Context { return withValue(ctx, codecCtxKey, c) }
func injectLogger(ctx context.Context, l *zerolog.Logger) context.Context {
	return withValue(ctx, loggerCtxKey, l)
}
func injectListenerName(ctx context.Context, name string) context.Context {
	return withValue(ctx, listenerCtxKey, name)
}

// CodecFromContext returns the codec the relay decoded the message with.
func CodecFromContext(ctx context.Context) (Codec, bool) { return fromContext[Codec](ctx, codecCtxKey) }

func LoggerFromContext(ctx context.Context) (*zerolog.Logger, bool) {
	return fromContext[*zerolog.Logger](ctx, loggerCtxKey)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	return fromContext[xclock.Clock](ctx, clockCtxKey)
}

// ListenerNameFromContext returns the name of the listener currently being
// invoked. It is set by the dispatcher before middlewares run.
func ListenerNameFromContext(ctx context.Context) (string, bool) {
	return fromContext[string](ctx, listenerCtxKey)
}

// QueueFromContext returns the queue the message was received from. Events
// published on a DomainEventBus have none.
func QueueFromContext(ctx context.Context) (string, bool) {
	return fromContext[string](ctx, queueCtxKey)
}

// Logger returns the relay logger tagged with the current queue and listener,
// or a disabled logger outside a dispatch.
func Logger(ctx context.Context) *zerolog.Logger {
	l, ok := LoggerFromContext(ctx)
	if !ok {
		nop := zerolog.Nop()
		return &nop
	}
	lc := l.With()
	if q, ok := QueueFromContext(ctx); ok {
		lc = lc.Str("queue", q)
	}
	if n, ok := ListenerNameFromContext(ctx); ok {
		lc = lc.Str("listener", n)
	}
	out := lc.Logger()
	return &out
}

// InjectAll attaches the dependencies a listener may look up.
func InjectAll(ctx context.Context, codec Codec, logger *zerolog.Logger, clock xclock.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	return withValue(ctx, clockCtxKey, clock)
}
