package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistKeyPrefix = "blacklist:token:"

// Blacklist holds the hashes of access tokens that were invalidated
// before their natural expiry (logout). Entries carry a TTL equal to the
// token's remaining lifetime, so the set stays small and entries vanish
// exactly when the signature would stop validating anyway.
type Blacklist struct {
	rdb *redis.Client
}

func NewBlacklist(rdb *redis.Client) *Blacklist { return &Blacklist{rdb: rdb} }

// Add records a token hash until ttl elapses. A non-positive ttl means
// the token is already expired and there is nothing to deny.
func (b *Blacklist) Add(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := b.rdb.Set(ctx, blacklistKeyPrefix+tokenHash, "1", ttl).Err(); err != nil {
		return fmt.Errorf("blacklist add: %w", err)
	}
	return nil
}

// Contains reports whether a token hash is currently denied.
func (b *Blacklist) Contains(ctx context.Context, tokenHash string) (bool, error) {
	n, err := b.rdb.Exists(ctx, blacklistKeyPrefix+tokenHash).Result()
	if err != nil {
		return false, fmt.Errorf("blacklist check: %w", err)
	}
	return n > 0, nil
}
