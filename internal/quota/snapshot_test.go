package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*SnapshotCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSnapshotCache(client, ttl), mr
}

func TestSnapshotCache_RoundTrip(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	snap := &Snapshot{
		AccountID:          "acct-1",
		Initial:            100,
		Used:               40,
		Remaining:          60,
		EffectiveRemaining: 50,
		ComputedAt:         time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, cache.Set(ctx, snap))

	got, err := cache.Get(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.Remaining, got.Remaining)
	assert.Equal(t, snap.EffectiveRemaining, got.EffectiveRemaining)
}

func TestSnapshotCache_MissReturnsNil(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)

	got, err := cache.Get(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotCache_Invalidate(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &Snapshot{AccountID: "acct-1", Remaining: 10}))
	require.NoError(t, cache.Invalidate(ctx, "acct-1"))

	got, err := cache.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotCache_TTLExpiry(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &Snapshot{AccountID: "acct-1", Remaining: 10}))
	mr.FastForward(2 * time.Minute)

	got, err := cache.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Nil(t, got, "entries expire even if invalidation is lost")
}

func TestSnapshotCache_CorruptEntryIsMiss(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)

	require.NoError(t, mr.Set("quota:snapshot:acct-1", "not json"))

	got, err := cache.Get(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEngine_SnapshotCaching(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	store := NewMemoryStore()
	engine := NewEngine(store, cache, nil)
	ctx := context.Background()
	seedAccount(t, store, "acct-1", 100, 0)

	snap, err := engine.GetSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.Remaining)
	assert.True(t, mr.Exists("quota:snapshot:acct-1"), "miss populates the cache")

	// A consume invalidates synchronously, so the next read is fresh.
	_, err = engine.Consume(ctx, "acct-1", 25, "k1", nil)
	require.NoError(t, err)
	assert.False(t, mr.Exists("quota:snapshot:acct-1"))

	snap, err = engine.GetSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(75), snap.Remaining)
}
