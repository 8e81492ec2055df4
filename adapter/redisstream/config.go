package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams broker.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer name inside every queue's consumer group.
	Consumer string
	// KeyPrefix namespaces the bookkeeping keys (queue subscriptions).
	KeyPrefix string

	// Stream management
	AutoDeleteOnAck bool
	MaxLenApprox    int64

	// Pending entry recovery: entries read but not acked for ClaimMinIdle are
	// handed out again. This is the broker's visibility timeout.
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration

	// Entries delivered more than MaxDeliveries times go to DeadLetter
	// (when set) and are acked. Zero means unlimited.
	MaxDeliveries int
	DeadLetter    string
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xrelay"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Consumer:      fmt.Sprintf("xrelay-%s-%d", hostname, os.Getpid()),
		KeyPrefix:     "xrelay:",
		ClaimMinIdle:  30 * time.Second,
		ClaimBatch:    128,
		ClaimInterval: 5 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.ClaimMinIdle < 0 {
		return fmt.Errorf("config: claim_min_idle must be >= 0, got %v", c.ClaimMinIdle)
	}
	if c.ClaimMinIdle > 0 && c.ClaimBatch < 1 {
		return fmt.Errorf("config: claim_batch must be >= 1 if claim_min_idle is set, got %d", c.ClaimBatch)
	}
	if c.MaxDeliveries < 0 {
		return fmt.Errorf("config: max_deliveries must be >= 0, got %d", c.MaxDeliveries)
	}
	return nil
}

// toMap converts typed Config into the generic map expected by the broker factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"consumer":           c.Consumer,
		"key_prefix":         c.KeyPrefix,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
		"max_deliveries":     c.MaxDeliveries,
		"dead_letter":        c.DeadLetter,
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
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return def
	}
	getInt64 := func(k string, def int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return def
	}
	getBool := func(k string, def bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
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
		case float64:
			return time.Duration(v)
		}
		return def
	}

	return Config{
		Addr:          getString("addr", d.Addr),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),

		Consumer:  getString("consumer", d.Consumer),
		KeyPrefix: getString("key_prefix", d.KeyPrefix),

		AutoDeleteOnAck: getBool("auto_delete_on_ack", false),
		MaxLenApprox:    getInt64("max_len_approx", 0),

		ClaimMinIdle:  getDur("claim_min_idle", d.ClaimMinIdle),
		ClaimBatch:    getInt("claim_batch", d.ClaimBatch),
		ClaimInterval: getDur("claim_interval", d.ClaimInterval),

		MaxDeliveries: getInt("max_deliveries", 0),
		DeadLetter:    getString("dead_letter", ""),
	}
}
