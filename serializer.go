package xrelay

import (
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Serializer converts events to and from the flat JSON wire payload.
type Serializer struct {
	registry *Registry
	codec    Codec
}

// NewSerializer returns a serializer backed by registry and codec.
// A nil registry or codec falls back to an empty registry and JSONCodec.
func NewSerializer(registry *Registry, codec Codec) *Serializer {
	if registry == nil {
		registry = &Registry{schemas: make(map[string]Schema)}
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Serializer{registry: registry, codec: codec}
}

func (s *Serializer) Registry() *Registry { return s.registry }
func (s *Serializer) Codec() Codec        { return s.codec }

// Serialize encodes event and writes its routing key into the payload.
//
// The name is the override when given, else the event's own declared name
// (Event.EventTypeName, or the event_type_name key of a map).
func (s *Serializer) Serialize(event any, override string) ([]byte, string, error) {
	if isNil(event) {
		return nil, "", fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	name := override
	if name == "" {
		name = declaredName(event)
	}
	if name == "" {
		return nil, "", fmt.Errorf("%w: %T", ErrMissingEventTypeName, event)
	}

	var (
		data []byte
		err  error
	)
	switch event.(type) {
	case Record, map[string]any:
		data, err = s.codec.Marshal(event)
	default:
		if schema, rerr := s.registry.Resolve(name); rerr == nil {
			data, err = schema.Encode(s.codec, event)
		} else {
			data, err = s.codec.Marshal(event)
		}
	}
	if err != nil {
		return nil, "", fmt.Errorf("xrelay: encode %q: %w", name, err)
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidEvent, name)
	}

	data, err = sjson.SetBytes(data, FieldEventTypeName, name)
	if err != nil {
		return nil, "", fmt.Errorf("xrelay: stamp %q: %w", name, err)
	}
	return data, name, nil
}

// Deserialize classifies a payload and decodes it with the registered schema.
// Payloads without a schema, or that the schema rejects, come back as a Record.
func (s *Serializer) Deserialize(data []byte) (Event, error) {
	name, err := s.peek(data)
	if err != nil {
		return nil, err
	}
	if name != "" {
		if schema, rerr := s.registry.Resolve(name); rerr == nil {
			if ev, derr := schema.Decode(s.codec, data); derr == nil {
				return ev, nil
			}
		}
	}
	return s.record(data)
}

// DeserializeTyped is the strict variant: the payload must name a registered
// type and the schema must accept it.
func (s *Serializer) DeserializeTyped(data []byte) (Event, error) {
	name, err := s.peek(data)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: payload has no %s", ErrUnknownEventType, FieldEventTypeName)
	}
	schema, err := s.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	ev, err := schema.Decode(s.codec, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrMalformedPayload, name, err)
	}
	return ev, nil
}

// EventTypeNameOf returns the routing key of a payload without decoding it.
// A missing or non-string event_type_name yields "".
func (s *Serializer) EventTypeNameOf(data []byte) (string, error) {
	return s.peek(data)
}

func (s *Serializer) peek(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("%w: invalid JSON", ErrMalformedPayload)
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return "", fmt.Errorf("%w: payload is not a JSON object", ErrMalformedPayload)
	}
	name := res.Get(FieldEventTypeName)
	if name.Type != gjson.String {
		return "", nil
	}
	return name.Str, nil
}

func (s *Serializer) record(data []byte) (Record, error) {
	rec := Record{}
	if err := s.codec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return rec, nil
}

func declaredName(event any) string {
	switch e := event.(type) {
	case map[string]any:
		s, _ := e[FieldEventTypeName].(string)
		return s
	case Event:
		return e.EventTypeName()
	}
	return ""
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
