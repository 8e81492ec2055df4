package sqs

import (
	"fmt"
	"time"
)

// Config for the SNS/SQS broker.
type Config struct {
	Region string
	// Endpoint overrides the AWS endpoint (LocalStack, ElasticMQ).
	Endpoint string

	// NamePrefix is prepended to topic and queue names, e.g. "dev-".
	NamePrefix string
	// VisibilityTimeout of created queues. Un-deleted messages reappear after it.
	VisibilityTimeout time.Duration
	// RawMessageDelivery subscribes queues without the SNS JSON envelope.
	// Receive unwraps the envelope either way.
	RawMessageDelivery bool
}

func Defaults() Config {
	return Config{
		Region:            "us-east-1",
		VisibilityTimeout: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("config: region required")
	}
	if c.VisibilityTimeout < 0 || c.VisibilityTimeout > 12*time.Hour {
		return fmt.Errorf("config: visibility_timeout must be within [0, 12h], got %v", c.VisibilityTimeout)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"region":               c.Region,
		"endpoint":             c.Endpoint,
		"name_prefix":          c.NamePrefix,
		"visibility_timeout":   c.VisibilityTimeout,
		"raw_message_delivery": c.RawMessageDelivery,
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
		Region:             getString("region", d.Region),
		Endpoint:           getString("endpoint", ""),
		NamePrefix:         getString("name_prefix", ""),
		VisibilityTimeout:  getDur("visibility_timeout", d.VisibilityTimeout),
		RawMessageDelivery: getBool("raw_message_delivery", false),
	}
}
