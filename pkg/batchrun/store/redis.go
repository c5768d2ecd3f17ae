package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisNamespace prefixes every key written by RedisStore so a shared
// Redis database can host other data.
const DefaultRedisNamespace = "batchrun:"

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisNamespace overrides the key namespace.
func WithRedisNamespace(ns string) RedisOption {
	return func(s *RedisStore) { s.namespace = ns }
}

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// RedisStore implements Store on top of Redis strings. Worker instances in
// different processes or hosts can share one Redis database.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := store.NewRedisStore(client)
//	if err := s.Ping(ctx); err != nil { ... }
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	logger    *slog.Logger
	scanCount int64
}

// NewRedisStore creates a Redis-backed store. The caller owns the client
// lifecycle; Close does not close it.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		namespace: DefaultRedisNamespace,
		logger:    slog.Default(),
		scanCount: 256,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(k string) string { return s.namespace + k }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Set implements Store. Values never expire.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// ListKeys implements Store using SCAN, so it never blocks the server the
// way KEYS would on a large database.
func (s *RedisStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(s.namespace+prefix) + "*"

	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, match, s.scanCount).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), s.namespace)
		seen[k] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	// SCAN may return a key more than once
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.logger.Debug("redis keys listed", slog.String("prefix", prefix), slog.Int("count", len(keys)))
	return keys, nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *RedisStore) Close() error { return nil }

// escapeGlob escapes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
