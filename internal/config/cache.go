package config

import "time"

// PermCacheConfig configures the per-user permission cache. The cache is
// purely an optimization: a short TTL keeps role edits from going stale
// for long, and explicit invalidation on logout or role change removes
// the entry immediately.
type PermCacheConfig struct {
	TTL time.Duration
}

// LoadPermCacheConfig reads the permission-cache settings from the
// environment with sane defaults.
func LoadPermCacheConfig() PermCacheConfig {
	return PermCacheConfig{
		TTL: envDur("PERM_CACHE_TTL", 5*time.Minute),
	}
}
