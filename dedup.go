package xrelay

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
)

// DedupStore remembers which messages a consumer already processed.
type DedupStore interface {
	// Exists reports whether key was recorded and has not expired.
	Exists(ctx context.Context, key string) (bool, error)
	// Set records key for ttl.
	Set(ctx context.Context, key string, ttl time.Duration) error
}

// NopDedupStore never remembers anything; every message is processed.
type NopDedupStore struct{}

var _ DedupStore = NopDedupStore{}

func (NopDedupStore) Exists(context.Context, string) (bool, error)     { return false, nil }
func (NopDedupStore) Set(context.Context, string, time.Duration) error { return nil }

// DefaultDedupTTL is how long a processed message is remembered.
const DefaultDedupTTL = 24 * time.Hour

// DedupKeyFunc derives the dedup key of a delivery. An empty key disables
// dedup for that message.
type DedupKeyFunc func(env *Envelope) string

// DedupByMessageID keys on the broker message id.
func DedupByMessageID() DedupKeyFunc {
	return func(env *Envelope) string { return env.MessageID }
}

// DedupByAttribute keys on a message attribute such as AttrMessageID or
// AttrIdempotencyKey, falling back to the broker message id.
func DedupByAttribute(name string) DedupKeyFunc {
	return func(env *Envelope) string {
		if v := env.Attribute(name); v != "" {
			return v
		}
		return env.MessageID
	}
}

// DedupByField keys on a payload field addressed by a gjson path, falling
// back to the broker message id.
func DedupByField(path string) DedupKeyFunc {
	return func(env *Envelope) string {
		if v := gjson.GetBytes(env.Body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
		return env.MessageID
	}
}
