package xrelay

import (
	"context"
	"fmt"
)

// DecodeCodec converts an event into T using the provided codec. A value that
// already is a T is returned as is; anything else (typically a Record) is
// re-encoded and decoded into T.
func DecodeCodec[T any](c Codec, event Event) (T, error) {
	if v, ok := event.(T); ok {
		return v, nil
	}
	var v T
	data, err := c.Marshal(event)
	if err != nil {
		return v, fmt.Errorf("xrelay: decode %T: %w", v, err)
	}
	if err := c.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("xrelay: decode %T: %w", v, err)
	}
	return v, nil
}

// Decode converts event into T using a Codec found in ctx.
// Falls back to the default "json" codec if none was injected.
func Decode[T any](ctx context.Context, event Event) (T, error) {
	c, ok := CodecFromContext(ctx)
	if !ok || c == nil {
		c = JSONCodec{}
	}
	return DecodeCodec[T](c, event)
}
