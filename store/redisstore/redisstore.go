// Package redisstore is a Redis-backed xrelay.DedupStore.
package redisstore

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xrelay"
)

// Config is read from the environment by ConfigFromEnv. Host and Port name
// the server; Addr, when set, overrides both.
type Config struct {
	Host      string `env:"XRELAY_REDIS_HOST" env-default:"127.0.0.1"`
	Port      int    `env:"XRELAY_REDIS_PORT" env-default:"6379"`
	Addr      string `env:"XRELAY_REDIS_ADDR"`
	Username  string `env:"XRELAY_REDIS_USERNAME"`
	Password  string `env:"XRELAY_REDIS_PASSWORD"`
	DB        int    `env:"XRELAY_REDIS_DB" env-default:"0"`
	Namespace string `env:"XRELAY_NAMESPACE" env-default:"xrelay"`
}

// Address is the host:port to dial.
func (c Config) Address() string {
	if c.Addr != "" {
		return c.Addr
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ConfigFromEnv reads Config from XRELAY_* variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("redisstore: config: %w", err)
	}
	return cfg, nil
}

// Store keeps dedup keys as plain Redis keys with a TTL.
type Store struct {
	client    redis.UniversalClient
	namespace string
	owned     bool
}

var _ xrelay.DedupStore = (*Store)(nil)

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", cfg.Address(), err)
	}
	s := NewFromClient(client, cfg.Namespace)
	s.owned = true
	return s, nil
}

// NewFromClient wraps a client the caller keeps owning.
func NewFromClient(client redis.UniversalClient, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

func (s *Store) key(k string) string {
	if s.namespace == "" {
		return "dedup:" + k
	}
	return s.namespace + ":dedup:" + k
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Set records key with SET NX, so the first writer's TTL stands. A ttl <= 0
// keeps the key forever.
func (s *Store) Set(ctx context.Context, key string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.SetNX(ctx, s.key(key), 1, ttl).Err()
}

// Close releases the client when New created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
