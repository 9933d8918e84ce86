// Package cache provides a redis-backed cache whose entries are grouped under
// tags so that a mutation can invalidate every stale read in one call.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "cache:"
	tagPrefix  = "cachetag:"
	defaultTTL = 15 * time.Minute
)

var errMissingClient = errors.New("cache: redis client is required")

// TagCache stores JSON-encoded values under keys and indexes each key under a
// set of tag strings of the form "<resource>_<field>:<value>".
type TagCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// TagCacheConfig describes the dependencies for a TagCache.
type TagCacheConfig struct {
	Client *redis.Client
	TTL    time.Duration
	Logger *zap.Logger
}

// NewTagCache constructs a TagCache with sane defaults.
func NewTagCache(cfg TagCacheConfig) (*TagCache, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TagCache{client: cfg.Client, ttl: ttl, logger: logger}, nil
}

// Set stores the JSON encoding of value under key and registers the key under
// every supplied tag.
func (c *TagCache) Set(ctx context.Context, key string, value any, tags []string) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	storageKey := keyPrefix + key
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, storageKey, encoded, c.ttl)
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		pipe.SAdd(ctx, tagPrefix+tag, storageKey)
		pipe.Expire(ctx, tagPrefix+tag, c.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get decodes the cached value for key into dest. The boolean reports whether
// the key was present.
func (c *TagCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

// Invalidate removes every cache entry registered under any of the supplied
// tags, then removes the tag sets themselves.
func (c *TagCache) Invalidate(ctx context.Context, tags []string) error {
	doomed := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		members, err := c.client.SMembers(ctx, tagPrefix+tag).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		doomed = append(doomed, members...)
		doomed = append(doomed, tagPrefix+tag)
	}
	if len(doomed) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, doomed...).Err(); err != nil {
		return err
	}
	c.logger.Debug("cache invalidated", zap.Strings("tags", tags), zap.Int("keys", len(doomed)))
	return nil
}
