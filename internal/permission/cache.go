// Package permission caches the resolved permission-code set per user.
// The cache is consulted by the authorization middleware on every
// protected request; a miss always falls back to recomputing the set
// from the role tables, so losing the cache can slow a request down but
// never change an authorization decision.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "permissions:user:"

// ErrCacheMiss reports that no entry exists for the user.
var ErrCacheMiss = fmt.Errorf("permission cache miss")

// Cache stores one JSON array of permission codes per user id with a
// short TTL. Invalidate removes the entry immediately; it is called on
// logout and whenever a role or permission mutation affects the user.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func key(userID uint64) string {
	return cacheKeyPrefix + strconv.FormatUint(userID, 10)
}

// Get returns the cached permission set for a user, or ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, userID uint64) ([]string, error) {
	data, err := c.rdb.Get(ctx, key(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("permission cache get: %w", err)
	}
	var codes []string
	if err := json.Unmarshal(data, &codes); err != nil {
		return nil, fmt.Errorf("permission cache decode: %w", err)
	}
	return codes, nil
}

// Set stores the permission set for a user under the configured TTL.
func (c *Cache) Set(ctx context.Context, userID uint64, codes []string) error {
	data, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("permission cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, key(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("permission cache set: %w", err)
	}
	return nil
}

// Invalidate drops the entry for a user. Deleting a missing key is fine.
func (c *Cache) Invalidate(ctx context.Context, userID uint64) error {
	if err := c.rdb.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("permission cache invalidate: %w", err)
	}
	return nil
}
