package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent
var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON-encodable values with a TTL
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// RedisConfig configures the Redis metrics cache
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RedisCache implements Cache on Redis
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get implements Cache
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("failed to get from cache: %w", err)
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// Set implements Cache
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedSource is a cache-aside decorator over a Source. Errors are never cached.
type CachedSource struct {
	next  Source
	cache Cache
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCachedSource wraps next with cache
func NewCachedSource(next Source, cache Cache, ttl time.Duration, log zerolog.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedSource{next: next, cache: cache, ttl: ttl, log: log.With().Str("component", "metrics-cache").Logger()}
}

// Facebook implements Source
func (s *CachedSource) Facebook(ctx context.Context, q Query) (*FacebookMetrics, error) {
	return cached(ctx, s, q.cacheKey("facebook"), func() (*FacebookMetrics, error) {
		return s.next.Facebook(ctx, q)
	})
}

// Instagram implements Source
func (s *CachedSource) Instagram(ctx context.Context, q Query) (*InstagramMetrics, error) {
	return cached(ctx, s, q.cacheKey("instagram"), func() (*InstagramMetrics, error) {
		return s.next.Instagram(ctx, q)
	})
}

// FollowersByDay implements Source
func (s *CachedSource) FollowersByDay(ctx context.Context, q Query) (*FollowerMetrics, error) {
	return cached(ctx, s, q.cacheKey("followers"), func() (*FollowerMetrics, error) {
		return s.next.FollowersByDay(ctx, q)
	})
}

// TopPosts implements Source
func (s *CachedSource) TopPosts(ctx context.Context, q Query, platform Platform) ([]TopPost, error) {
	key := Query{AccountID: q.AccountID, Credential: q.Credential}.cacheKey("top:" + string(platform))
	return cached(ctx, s, key, func() ([]TopPost, error) {
		return s.next.TopPosts(ctx, q, platform)
	})
}

func cached[T any](ctx context.Context, s *CachedSource, key string, load func() (T, error)) (T, error) {
	var hit T
	err := s.cache.Get(ctx, key, &hit)
	if err == nil {
		s.log.Debug().Str("key", key).Msg("cache hit")
		return hit, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	value, err := load()
	if err != nil {
		return value, err
	}
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return value, nil
}

// Memo collapses identical concurrent requests and remembers successful
// results for its own lifetime. One Memo backs one mounted selection, so
// sibling visualizations reading the same endpoint share a single fetch.
type Memo struct {
	next    Source
	group   singleflight.Group
	mu      sync.Mutex
	results map[string]interface{}
}

// NewMemo wraps next
func NewMemo(next Source) *Memo {
	return &Memo{next: next, results: make(map[string]interface{})}
}

// Facebook implements Source
func (m *Memo) Facebook(ctx context.Context, q Query) (*FacebookMetrics, error) {
	return memoized(m, q.cacheKey("facebook"), func() (*FacebookMetrics, error) {
		return m.next.Facebook(ctx, q)
	})
}

// Instagram implements Source
func (m *Memo) Instagram(ctx context.Context, q Query) (*InstagramMetrics, error) {
	return memoized(m, q.cacheKey("instagram"), func() (*InstagramMetrics, error) {
		return m.next.Instagram(ctx, q)
	})
}

// FollowersByDay implements Source
func (m *Memo) FollowersByDay(ctx context.Context, q Query) (*FollowerMetrics, error) {
	return memoized(m, q.cacheKey("followers"), func() (*FollowerMetrics, error) {
		return m.next.FollowersByDay(ctx, q)
	})
}

// TopPosts implements Source
func (m *Memo) TopPosts(ctx context.Context, q Query, platform Platform) ([]TopPost, error) {
	return memoized(m, q.cacheKey("top:"+string(platform)), func() ([]TopPost, error) {
		return m.next.TopPosts(ctx, q, platform)
	})
}

func memoized[T any](m *Memo, key string, load func() (T, error)) (T, error) {
	m.mu.Lock()
	if v, ok := m.results[key]; ok {
		m.mu.Unlock()
		return v.(T), nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		m.mu.Lock()
		if v, ok := m.results[key]; ok {
			m.mu.Unlock()
			return v, nil
		}
		m.mu.Unlock()

		value, err := load()
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.results[key] = value
		m.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
