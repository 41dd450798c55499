// Package cache stores rendered dashboard views between refreshes.
package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache holds encoded views by key
type Cache interface {
	// Get returns the value and whether it was present
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate drops every entry
	Invalidate(ctx context.Context) error
	Close() error
}

// Observer counts lookups
type Observer interface {
	ObserveCache(hit bool)
}

// Config selects and sizes the cache
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MaxEntries    int64
	Observer      Observer
}

// New returns a redis cache when an address is configured and an in-process
// cache otherwise. An unreachable redis falls back to the in-process cache.
func New(ctx context.Context, cfg Config) Cache {
	if cfg.RedisAddr != "" {
		rc, err := NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Observer)
		if err == nil {
			log.Info().Str("addr", cfg.RedisAddr).Msg("Using redis view cache")
			return rc
		}
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable, using in-process view cache")
	}
	return NewTTLCache(cfg.MaxEntries, cfg.Observer)
}

func observe(o Observer, hit bool) {
	if o != nil {
		o.ObserveCache(hit)
	}
}
