package kafka

import (
	"fmt"
	"strings"
	"time"
)

// Config for the Kafka broker. A queue is a consumer group.
type Config struct {
	Brokers []string

	// Topic creation
	Partitions        int
	ReplicationFactor int

	// Reader
	// StartOffset applies to groups without a committed offset: "latest" or "earliest".
	StartOffset string
	MaxWait     time.Duration
	DialTimeout time.Duration

	// Writer
	MaxAttempts  int
	WriteTimeout time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Brokers:           []string{"127.0.0.1:9092"},
		Partitions:        1,
		ReplicationFactor: 1,
		StartOffset:       "earliest",
		MaxWait:           time.Second,
		DialTimeout:       10 * time.Second,
		MaxAttempts:       5,
		WriteTimeout:      10 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("config: at least one broker required")
	}
	if c.Partitions < 1 {
		return fmt.Errorf("config: partitions must be >= 1, got %d", c.Partitions)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("config: replication_factor must be >= 1, got %d", c.ReplicationFactor)
	}
	switch c.StartOffset {
	case "latest", "earliest":
	default:
		return fmt.Errorf("config: start_offset must be latest or earliest, got %q", c.StartOffset)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"brokers":            strings.Join(c.Brokers, ","),
		"partitions":         c.Partitions,
		"replication_factor": c.ReplicationFactor,
		"start_offset":       c.StartOffset,
		"max_wait":           c.MaxWait,
		"dial_timeout":       c.DialTimeout,
		"max_attempts":       c.MaxAttempts,
		"write_timeout":      c.WriteTimeout,
	}
}

// ConfigFromMap safely converts cfg into Config with defaults. brokers may be
// a comma separated string or a []string.
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

	brokers := d.Brokers
	switch v := cfg["brokers"].(type) {
	case string:
		if v != "" {
			brokers = nil
			for _, b := range strings.Split(v, ",") {
				if b = strings.TrimSpace(b); b != "" {
					brokers = append(brokers, b)
				}
			}
		}
	case []string:
		if len(v) > 0 {
			brokers = v
		}
	}

	return Config{
		Brokers:           brokers,
		Partitions:        getInt("partitions", d.Partitions),
		ReplicationFactor: getInt("replication_factor", d.ReplicationFactor),
		StartOffset:       strings.ToLower(getString("start_offset", d.StartOffset)),
		MaxWait:           getDur("max_wait", d.MaxWait),
		DialTimeout:       getDur("dial_timeout", d.DialTimeout),
		MaxAttempts:       getInt("max_attempts", d.MaxAttempts),
		WriteTimeout:      getDur("write_timeout", d.WriteTimeout),
	}
}
