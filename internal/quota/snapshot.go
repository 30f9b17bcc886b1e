package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "quota:snapshot:"

// DefaultSnapshotTTL bounds how stale a cached snapshot can get even
// if an invalidation is lost.
const DefaultSnapshotTTL = 30 * time.Second

// SnapshotCache is a short-TTL read-through cache of computed account
// snapshots. It is a pure optimization: never authoritative, always
// invalidated synchronously on mutation.
type SnapshotCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewSnapshotCache creates a snapshot cache. ttl <= 0 falls back to
// DefaultSnapshotTTL.
func NewSnapshotCache(client redis.Cmdable, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(accountID string) string {
	return snapshotKeyPrefix + accountID
}

// Get returns the cached snapshot, or nil on a miss.
func (c *SnapshotCache) Get(ctx context.Context, accountID string) (*Snapshot, error) {
	val, err := c.client.Get(ctx, snapshotKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot for %s: %w", accountID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		// Treat a corrupt entry as a miss; the next Set overwrites it.
		return nil, nil
	}
	return &snap, nil
}

// Set stores the snapshot under the cache TTL.
func (c *SnapshotCache) Set(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKey(snap.AccountID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing snapshot for %s: %w", snap.AccountID, err)
	}
	return nil
}

// Invalidate drops the cached snapshot for the account.
func (c *SnapshotCache) Invalidate(ctx context.Context, accountID string) error {
	if err := c.client.Del(ctx, snapshotKey(accountID)).Err(); err != nil {
		return fmt.Errorf("invalidating snapshot for %s: %w", accountID, err)
	}
	return nil
}
