package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var _ Cache[struct{}] = (*MemoryCache[struct{}])(nil)

// sweepEvery is the number of writes between sweeps of expired entries
const sweepEvery = 256

type entry[T any] struct {
	value   T
	expires time.Time
}

// MemoryCache keeps entries in process. Expired entries are hidden on read
// and swept every sweepEvery writes.
type MemoryCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]entry[T]
	writes  int
	now     func() time.Time
	flight  singleflight.Group
}

func NewMemoryCache[T any]() *MemoryCache[T] {
	return &MemoryCache[T]{
		entries: make(map[string]entry[T]),
		now:     time.Now,
	}
}

func (m *MemoryCache[T]) Get(_ context.Context, key string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expires) {
		var zero T
		return zero, ErrCacheMiss
	}
	return e.value, nil
}

func (m *MemoryCache[T]) Set(_ context.Context, key string, value T, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry[T]{value: value, expires: m.now().Add(ttl)}
	if m.writes++; m.writes >= sweepEvery {
		m.writes = 0
		m.sweepLocked()
	}
	return nil
}

func (m *MemoryCache[T]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache[T]) GetWithFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[T]) (T, error) {
	if v, err := m.Get(ctx, key); err == nil {
		return v, nil
	}
	return fetchShared(ctx, &m.flight, key, func(ctx context.Context) (T, error) {
		v, err := fetch(ctx, key)
		if err != nil {
			return v, err
		}
		_ = m.Set(ctx, key, v, ttl)
		return v, nil
	})
}

func (m *MemoryCache[T]) Health(context.Context) error { return nil }

// Close drops every entry
func (m *MemoryCache[T]) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]entry[T])
	m.mu.Unlock()
	return nil
}

// Len counts stored entries, including expired ones not yet swept
func (m *MemoryCache[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryCache[T]) sweepLocked() {
	now := m.now()
	for key, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, key)
		}
	}
}

// fetchShared runs load once per key among concurrent callers
func fetchShared[T any](ctx context.Context, g *singleflight.Group, key string, load func(context.Context) (T, error)) (T, error) {
	v, err, _ := g.Do(key, func() (any, error) {
		return load(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
