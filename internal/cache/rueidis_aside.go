package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/rueidisaside"
)

var _ Cache[struct{}] = (*RueidisAsideCache[struct{}])(nil)

// RueidisAsideCache implements Cache using rueidisaside for the cache-aside pattern.
// Uses rueidis' client-side caching with RESP3 invalidation, so every hub
// instance serves hot keys from local memory while Redis remains the source.
type RueidisAsideCache[T any] struct {
	client    rueidisaside.CacheAsideClient
	keyPrefix string
	clientTTL time.Duration
}

// NewRueidisAsideCache creates a Redis cache with client-side caching.
// opts.ClientTTL is the local cache TTL; Redis invalidates local copies when keys change.
func NewRueidisAsideCache[T any](ctx context.Context, opts RedisOptions) (*RueidisAsideCache[T], error) {
	sizeMB := opts.CacheSizeEachConn
	if sizeMB <= 0 {
		sizeMB = 32
	}
	client, err := rueidisaside.NewClient(rueidisaside.ClientOption{
		ClientOption: rueidis.ClientOption{
			InitAddress:       []string{opts.Addr},
			Password:          opts.Password,
			SelectDB:          opts.DB,
			CacheSizeEachConn: sizeMB * 1024 * 1024,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rueidisaside client: %w", err)
	}

	if err := client.Client().Do(ctx, client.Client().B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RueidisAsideCache[T]{
		client:    client,
		keyPrefix: opts.KeyPrefix,
		clientTTL: opts.ClientTTL,
	}, nil
}

// Get reads through the client-side cache without populating on miss.
func (r *RueidisAsideCache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	val, err := r.client.Get(
		ctx,
		r.clientTTL,
		r.keyPrefix+key,
		func(ctx context.Context, key string) (string, error) {
			return "", ErrCacheMiss
		},
	)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return zero, ErrCacheMiss
		}
		return zero, unavailable(err)
	}
	if val == "" {
		return zero, ErrCacheMiss
	}
	return decodeValue[T](val)
}

// GetWithFetch lets rueidisaside coordinate the fetch, so concurrent misses
// across instances invoke fetch once per key.
func (r *RueidisAsideCache[T]) GetWithFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[T]) (T, error) {
	var zero T
	val, err := r.client.Get(
		ctx,
		ttl,
		r.keyPrefix+key,
		func(ctx context.Context, _ string) (string, error) {
			value, err := fetch(ctx, key)
			if err != nil {
				return "", err
			}
			return encodeValue(value)
		},
	)
	if err != nil {
		return zero, fmt.Errorf("cache-aside fetch %s: %w", key, err)
	}
	return decodeValue[T](val)
}

func (r *RueidisAsideCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	raw := r.client.Client()
	cmd := raw.B().Set().Key(r.keyPrefix + key).Value(encoded).Ex(ttl).Build()
	if err := raw.Do(ctx, cmd).Error(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RueidisAsideCache[T]) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RueidisAsideCache[T]) Close() error {
	r.client.Close()
	return nil
}

func (r *RueidisAsideCache[T]) Health(ctx context.Context) error {
	raw := r.client.Client()
	if err := raw.Do(ctx, raw.B().Ping().Build()).Error(); err != nil {
		return unavailable(err)
	}
	return nil
}
