package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
	"golang.org/x/sync/singleflight"
)

var _ Cache[struct{}] = (*RueidisCache[struct{}])(nil)

// RueidisCache stores entries in Redis without a local copy. Every hub
// instance sees a Set or Delete immediately.
type RueidisCache[T any] struct {
	client rueidis.Client
	prefix string
	flight singleflight.Group
}

func NewRueidisCache[T any](ctx context.Context, opts RedisOptions) (*RueidisCache[T], error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{opts.Addr},
		Password:     opts.Password,
		SelectDB:     opts.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}
	return &RueidisCache[T]{client: client, prefix: opts.KeyPrefix}, nil
}

func (r *RueidisCache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	raw, err := r.client.Do(ctx, r.client.B().Get().Key(r.prefix+key).Build()).ToString()
	switch {
	case rueidis.IsRedisNil(err):
		return zero, ErrCacheMiss
	case err != nil:
		return zero, unavailable(err)
	}
	return decodeValue[T](raw)
}

func (r *RueidisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	cmd := r.client.B().Set().Key(r.prefix + key).Value(encoded).Ex(ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RueidisCache[T]) Delete(ctx context.Context, key string) error {
	if err := r.client.Do(ctx, r.client.B().Del().Key(r.prefix+key).Build()).Error(); err != nil {
		return unavailable(err)
	}
	return nil
}

// GetWithFetch dedupes concurrent misses within this instance only; other
// instances may fetch the same key in parallel.
func (r *RueidisCache[T]) GetWithFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[T]) (T, error) {
	if v, err := r.Get(ctx, key); err == nil {
		return v, nil
	}
	return fetchShared(ctx, &r.flight, key, func(ctx context.Context) (T, error) {
		v, err := fetch(ctx, key)
		if err != nil {
			return v, err
		}
		// A failed write leaves the next reader to fetch again
		_ = r.Set(ctx, key, v, ttl)
		return v, nil
	})
}

func (r *RueidisCache[T]) Health(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RueidisCache[T]) Close() error {
	r.client.Close()
	return nil
}
