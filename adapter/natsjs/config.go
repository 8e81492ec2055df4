package natsjs

import (
	"fmt"
	"strings"
	"time"
)

// Config for the NATS JetStream broker.
type Config struct {
	URL      string
	ConnName string

	// Stream holds every topic under SubjectPrefix.
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
	// Duplicates is the publish dedup window keyed on the publisher id.
	Duplicates time.Duration
	Memory     bool

	// AckWait is the visibility timeout of a delivery.
	AckWait    time.Duration
	MaxDeliver int
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		URL:           "nats://127.0.0.1:4222",
		ConnName:      "xrelay",
		Stream:        "XRELAY",
		SubjectPrefix: "xrelay",
		MaxAge:        24 * time.Hour,
		Duplicates:    2 * time.Minute,
		AckWait:       30 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	if c.Stream == "" || strings.ContainsAny(c.Stream, ". *>") {
		return fmt.Errorf("config: invalid stream name %q", c.Stream)
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>") {
		return fmt.Errorf("config: invalid subject prefix %q", c.SubjectPrefix)
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("config: ack_wait must be > 0, got %v", c.AckWait)
	}
	if c.MaxDeliver < 0 {
		return fmt.Errorf("config: max_deliver must be >= 0, got %d", c.MaxDeliver)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":            c.URL,
		"conn_name":      c.ConnName,
		"stream":         c.Stream,
		"subject_prefix": c.SubjectPrefix,
		"max_age":        c.MaxAge,
		"duplicates":     c.Duplicates,
		"memory":         c.Memory,
		"ack_wait":       c.AckWait,
		"max_deliver":    c.MaxDeliver,
	}
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	d := Defaults()

	getString := func(k, def string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return def
	}
	getInt := func(k string, def int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return def
	}
	getDur := func(k string, def time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		}
		return def
	}
	memory, _ := cfg["memory"].(bool)

	return Config{
		URL:           getString("url", d.URL),
		ConnName:      getString("conn_name", d.ConnName),
		Stream:        getString("stream", d.Stream),
		SubjectPrefix: getString("subject_prefix", d.SubjectPrefix),
		MaxAge:        getDur("max_age", d.MaxAge),
		Duplicates:    getDur("duplicates", d.Duplicates),
		Memory:        memory,
		AckWait:       getDur("ack_wait", d.AckWait),
		MaxDeliver:    getInt("max_deliver", 0),
	}
}
