package xrelay

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
)

// Codec encodes event bodies. Payloads on the wire are always JSON objects, so
// codecs differ only in how strictly they map them onto Go types.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default codec. Unknown fields are ignored on decode.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// StrictJSONCodec rejects bodies carrying fields the target type does not
// declare. The event_type_name key is always tolerated. Schemas decoding with
// it treat drifted payloads as malformed, which sends them to the Record
// fallback.
type StrictJSONCodec struct{}

func (StrictJSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (StrictJSONCodec) Name() string                  { return "json-strict" }

func (StrictJSONCodec) Unmarshal(b []byte, v any) error {
	if _, ok := v.(*Record); ok {
		return json.Unmarshal(b, v)
	}
	dec := json.NewDecoder(bytes.NewReader(stripEventTypeName(b)))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func stripEventTypeName(b []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return b
	}
	if _, ok := fields[FieldEventTypeName]; !ok {
		return b
	}
	delete(fields, FieldEventTypeName)
	out, err := json.Marshal(fields)
	if err != nil {
		return b
	}
	return out
}

// CodecFactory builds a codec for the name registry.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json":        func() Codec { return JSONCodec{} },
		"json-strict": func() Codec { return StrictJSONCodec{} },
	}
)

// RegisterCodec adds or replaces a codec under name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("%w: name and factory are required", ErrInvalidCodec)
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return f(), nil
}

// Codecs lists registered codec names in sorted order.
func Codecs() []string {
	codecRegistryMu.RLock()
	out := make([]string, 0, len(codecRegistry))
	for n := range codecRegistry {
		out = append(out, n)
	}
	codecRegistryMu.RUnlock()
	sort.Strings(out)
	return out
}
