package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"nfaudit/pkg/platform/sentinel"
)

// Cache is the byte store behind CachedRetriever.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache adapts go-redis to Cache.
type RedisCache struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCache stores entries under prefix.
func NewRedisCache(client redis.Cmdable, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Get returns sentinel.ErrCacheMiss when the key is absent.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrCacheMiss
	}
	return b, err
}

// Set writes value with ttl.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// CachedRetriever is a read-through cache in front of another Retriever.
// Cache failures degrade to a direct lookup.
type CachedRetriever struct {
	next   Retriever
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// CacheOption configures a CachedRetriever.
type CacheOption func(*CachedRetriever)

// WithCacheLogger sets the logger for cache failures.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *CachedRetriever) {
		c.logger = logger
	}
}

// NewCachedRetriever wraps next with cache.
func NewCachedRetriever(next Retriever, cache Cache, ttl time.Duration, opts ...CacheOption) (*CachedRetriever, error) {
	if next == nil {
		return nil, errors.New("retriever is required")
	}
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	c := &CachedRetriever{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Retrieve implements Retriever.
func (c *CachedRetriever) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	key := cacheKey(query, k)

	raw, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var passages []Passage
		if jerr := json.Unmarshal(raw, &passages); jerr == nil {
			return passages, nil
		}
		c.logger.WarnContext(ctx, "discarding corrupt retrieval cache entry", "key", key)
	case !errors.Is(err, sentinel.ErrCacheMiss):
		c.logger.WarnContext(ctx, "retrieval cache read failed", "error", err)
	}

	passages, err := c.next.Retrieve(ctx, query, k)
	if err != nil {
		return nil, err
	}
	// Empty results are not cached so a cold index can recover.
	if len(passages) == 0 {
		return passages, nil
	}
	if b, merr := json.Marshal(passages); merr == nil {
		if serr := c.cache.Set(ctx, key, b, c.ttl); serr != nil {
			c.logger.WarnContext(ctx, "retrieval cache write failed", "error", serr)
		}
	}
	return passages, nil
}

func cacheKey(query string, k int) string {
	sum := sha256.Sum256([]byte(strconv.Itoa(k) + "\x00" + query))
	return hex.EncodeToString(sum[:])
}
