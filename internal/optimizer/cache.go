package optimizer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedSource wraps a Source with a Redis read-through cache. Snapshots
// change at most a few times a day, so a short TTL takes nearly all load
// off the regional data service. Redis failures fall through to the inner
// source.
type CachedSource struct {
	inner  Source
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedSource creates a cached wrapper around a source.
func NewCachedSource(inner Source, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSource{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func (s *CachedSource) Snapshot(ctx context.Context, commodity, region string) (*Snapshot, error) {
	key := cacheKey(commodity, region)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var snap Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	} else if err != redis.Nil {
		s.logger.Warn("snapshot cache read failed", "key", key, "error", err)
	}

	snap, err := s.inner.Snapshot(ctx, commodity, region)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(snap); err == nil {
		if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
			s.logger.Warn("snapshot cache write failed", "key", key, "error", err)
		}
	}
	return snap, nil
}

// Invalidate drops a cached snapshot.
func (s *CachedSource) Invalidate(ctx context.Context, commodity, region string) error {
	return s.rdb.Del(ctx, cacheKey(commodity, region)).Err()
}

func cacheKey(commodity, region string) string {
	return "harvestmart:snapshot:" + snapshotKey(commodity, region)
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
