package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "catalog:m-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "catalog:m-1", time.Minute))
	require.NoError(t, s.Set(ctx, "forever", 0))
	ok, _ = s.Exists(ctx, "catalog:m-1")
	assert.True(t, ok)
	assert.Equal(t, 2, s.Len())

	s.Flush()
	ok, _ = s.Exists(ctx, "forever")
	assert.False(t, ok)
}

func TestStore_Expiry(t *testing.T) {
	s := New(time.Hour)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", 20*time.Millisecond))

	assert.Eventually(t, func() bool {
		ok, _ := s.Exists(ctx, "k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
