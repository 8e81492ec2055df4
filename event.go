package xrelay

import "time"

// Wire field names carried by every serialized event.
const (
	FieldEventTypeName = "event_type_name"
	FieldOccurredOn    = "occurred_on"
)

// Event is a domain event that declares its routing name.
type Event interface {
	EventTypeName() string
}

// Record is the generic representation of an event whose type has no
// registered schema. It exposes the payload fields unchanged.
type Record map[string]any

var _ Event = Record(nil)

// EventTypeName returns the value of the event_type_name field, or "".
func (r Record) EventTypeName() string {
	s, _ := r[FieldEventTypeName].(string)
	return s
}

// Get returns a field value.
func (r Record) Get(field string) (any, bool) {
	v, ok := r[field]
	return v, ok
}

// String returns a field as string, or "" when absent or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// OccurredOn parses the occurred_on field. Zero time when absent or invalid.
func (r Record) OccurredOn() time.Time {
	s, ok := r[FieldOccurredOn].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
