package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "nfce:invoice:"
	scanBatch        = 100
)

// RedisStore keeps entries in Redis so sibling instances share one cache.
// Redis expiry does the TTL work; LRU eviction is left to the server's maxmemory policy.
type RedisStore[T any] struct {
	client  redis.Cmdable
	prefix  string
	cfg     settings
	hits    atomic.Uint64
	misses  atomic.Uint64
	metrics *metricSet
}

// NewRedisStore wraps an existing client
func NewRedisStore[T any](client redis.Cmdable, opts ...Option) *RedisStore[T] {
	cfg := newSettings(opts)
	return &RedisStore[T]{
		client:  client,
		prefix:  defaultKeyPrefix,
		cfg:     cfg,
		metrics: metricsFor(cfg.name + "_redis"),
	}
}

// NewRedisClient parses a redis:// URL
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStore[T]) Lookup(ctx context.Context, key string) (Lookup[T], error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.miss()
		return Lookup[T]{}, nil
	}
	if err != nil {
		return Lookup[T]{}, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry Entry[T]
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is dropped and reported as a miss.
		s.client.Del(ctx, s.prefix+key)
		s.miss()
		return Lookup[T]{}, nil
	}
	if entry.expired(s.cfg.now().UnixMilli()) {
		s.client.Del(ctx, s.prefix+key)
		s.miss()
		return Lookup[T]{}, nil
	}

	s.hit()
	cachedAt := time.UnixMilli(entry.CreatedAtMillis)
	return Lookup[T]{Data: entry.Payload, FromCache: true, CachedAt: &cachedAt}, nil
}

func (s *RedisStore[T]) Put(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.defaultTTL
	}
	data, err := json.Marshal(Entry[T]{
		Payload:         value,
		CreatedAtMillis: s.cfg.now().UnixMilli(),
		TTLMillis:       ttl.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore[T]) Purge(ctx context.Context) error {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis purge: %w", err)
	}
	return nil
}

func (s *RedisStore[T]) Stats(ctx context.Context) (Stats, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return Stats{}, err
	}
	return newStats(len(keys), s.hits.Load(), s.misses.Load()), nil
}

func (s *RedisStore[T]) scanKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *RedisStore[T]) hit() {
	s.hits.Add(1)
	s.metrics.hits.Inc()
}

func (s *RedisStore[T]) miss() {
	s.misses.Add(1)
	s.metrics.misses.Inc()
}
