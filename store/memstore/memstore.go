// Package memstore is an in-process xrelay.DedupStore for single-instance
// consumers and tests.
package memstore

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/trickstertwo/xrelay"
)

const DefaultCleanupInterval = 10 * time.Minute

type Store struct {
	cache *gocache.Cache
}

var _ xrelay.DedupStore = (*Store)(nil)

// New returns a store purging expired keys every cleanupInterval.
func New(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &Store{cache: gocache.New(xrelay.DefaultDedupTTL, cleanupInterval)}
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	_, found := s.cache.Get(key)
	return found, nil
}

// Set records key. A ttl <= 0 keeps it until Flush.
func (s *Store) Set(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	s.cache.Set(key, struct{}{}, ttl)
	return nil
}

// Len counts stored keys, expired ones included until the next cleanup.
func (s *Store) Len() int { return s.cache.ItemCount() }

func (s *Store) Flush() { s.cache.Flush() }
