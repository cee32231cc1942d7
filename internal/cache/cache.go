// Package cache is the read-through cache behind the parsed skill catalog
// and the fleet gauge counts. The memory backend serves one hub instance;
// the redis backends share entries across instances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCacheMiss        = errors.New("cache: miss")
	ErrCacheUnavailable = errors.New("cache: backend unavailable")
	ErrInvalidValue     = errors.New("cache: undecodable value")
)

// FetchFunc loads the authoritative value for key on a miss
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

// Cache stores values of T under string keys with a per-entry TTL
type Cache[T any] interface {
	// Get returns ErrCacheMiss for absent or expired keys
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Delete drops key so the next GetWithFetch goes back to the source
	Delete(ctx context.Context, key string) error
	// GetWithFetch serves key from cache, calling fetch on a miss and storing
	// its result. Concurrent misses for one key share a single fetch. Fetch
	// errors are returned and never cached.
	GetWithFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[T]) (T, error)
	Health(ctx context.Context) error
	Close() error
}

const (
	KindMemory     = "memory"
	KindRedis      = "redis"
	KindRedisAside = "redis-aside"
)

// RedisOptions configures the redis backends
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	// redis-aside only: lifetime and size (MB) of the local copy
	ClientTTL         time.Duration
	CacheSizeEachConn int
}

// New builds the backend named by kind, falling back to memory
func New[T any](ctx context.Context, kind string, opts RedisOptions) (Cache[T], error) {
	switch kind {
	case KindRedisAside:
		return NewRueidisAsideCache[T](ctx, opts)
	case KindRedis:
		return NewRueidisCache[T](ctx, opts)
	default:
		return NewMemoryCache[T](), nil
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
}

// Redis values are JSON so operators can read them with redis-cli
func encodeValue[T any](value T) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return string(b), nil
}

func decodeValue[T any](raw string) (T, error) {
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return value, nil
}
