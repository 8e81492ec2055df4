package xrelay

import (
	"fmt"
	"sort"
	"sync"
)

// Schema converts between wire bodies and a typed event for one event type name.
type Schema interface {
	EventTypeName() string
	Decode(c Codec, data []byte) (Event, error)
	Encode(c Codec, event any) ([]byte, error)
}

// SchemaFunc is an Adapter that builds a Schema from a name and a
// (decode, encode) pair. A nil EncodeFunc encodes with the codec.
type SchemaFunc struct {
	Name       string
	DecodeFunc func(c Codec, data []byte) (Event, error)
	EncodeFunc func(c Codec, event any) ([]byte, error)
}

func (s SchemaFunc) EventTypeName() string { return s.Name }

func (s SchemaFunc) Decode(c Codec, data []byte) (Event, error) {
	return s.DecodeFunc(c, data)
}

func (s SchemaFunc) Encode(c Codec, event any) ([]byte, error) {
	if s.EncodeFunc == nil {
		return c.Marshal(event)
	}
	return s.EncodeFunc(c, event)
}

// SchemaOption customizes a schema built by NewSchema.
type SchemaOption[T Event] func(*typedSchema[T])

// WithPostLoad runs fn after the body was decoded into T. Use it to rebuild
// nested value objects or to validate.
func WithPostLoad[T Event](fn func(T) (T, error)) SchemaOption[T] {
	return func(s *typedSchema[T]) { s.postLoad = fn }
}

// WithEncoder replaces the codec-based encoding of T.
func WithEncoder[T Event](fn func(c Codec, event T) ([]byte, error)) SchemaOption[T] {
	return func(s *typedSchema[T]) { s.encode = fn }
}

type typedSchema[T Event] struct {
	name     string
	postLoad func(T) (T, error)
	encode   func(c Codec, event T) ([]byte, error)
}

// NewSchema registers the Go type T under name. Bodies are decoded into T with
// the serializer's codec.
func NewSchema[T Event](name string, opts ...SchemaOption[T]) Schema {
	s := &typedSchema[T]{name: name}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *typedSchema[T]) EventTypeName() string { return s.name }

func (s *typedSchema[T]) Decode(c Codec, data []byte) (Event, error) {
	var v T
	if err := c.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if s.postLoad != nil {
		out, err := s.postLoad(v)
		if err != nil {
			return nil, err
		}
		v = out
	}
	return v, nil
}

func (s *typedSchema[T]) Encode(c Codec, event any) ([]byte, error) {
	if s.encode != nil {
		if v, ok := event.(T); ok {
			return s.encode(c, v)
		}
	}
	return c.Marshal(event)
}

// Registry maps event type names to schemas. Registration is last-write-wins.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns a registry pre-filled with schemas.
func NewRegistry(schemas ...Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]Schema)}
	if err := r.Register(schemas...); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds or replaces schemas.
func (r *Registry) Register(schemas ...Schema) error {
	for _, s := range schemas {
		if s == nil || s.EventTypeName() == "" {
			return fmt.Errorf("%w: schema must have an event type name", ErrInvalidSchema)
		}
	}
	r.mu.Lock()
	if r.schemas == nil {
		r.schemas = make(map[string]Schema, len(schemas))
	}
	for _, s := range schemas {
		r.schemas[s.EventTypeName()] = s
	}
	r.mu.Unlock()
	return nil
}

// Resolve returns the schema registered for name.
func (r *Registry) Resolve(name string) (Schema, error) {
	r.mu.RLock()
	s, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, name)
	}
	return s, nil
}

// Unregister removes the schema for name, if any.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.schemas, name)
	r.mu.Unlock()
}

// Names lists registered event type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Reset drops every registration.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.schemas = make(map[string]Schema)
	r.mu.Unlock()
}
