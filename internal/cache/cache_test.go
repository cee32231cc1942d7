package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalogSnapshot struct {
	Skills  []string `json:"skills"`
	Version int      `json:"version"`
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedCache[T any]() (*MemoryCache[T], *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache[T]()
	c.now = clock.now
	return c, clock
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache[int64]()

	_, err := c.Get(ctx, "devices:connected")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "devices:connected", 42, time.Minute))
	v, err := c.Get(ctx, "devices:connected")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	clock.advance(time.Minute)
	_, err = c.Get(ctx, "devices:connected")
	assert.ErrorIs(t, err, ErrCacheMiss, "an entry expires at exactly its TTL")
}

func TestMemoryCache_DeleteAndClose(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache[catalogSnapshot]()

	want := catalogSnapshot{Skills: []string{"weather", "camera"}, Version: 3}
	require.NoError(t, c.Set(ctx, "catalog", want, time.Minute))
	require.NoError(t, c.Set(ctx, "other", want, time.Minute))

	got, err := c.Get(ctx, "catalog")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, c.Delete(ctx, "catalog"))
	_, err = c.Get(ctx, "catalog")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, c.Delete(ctx, "catalog"), "deleting an absent key is not an error")

	require.NoError(t, c.Close())
	assert.Zero(t, c.Len())
	assert.NoError(t, c.Health(ctx))
}

func TestMemoryCache_SweepsExpiredOnWrite(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache[int64]()

	for i := range 10 {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("old-%d", i), int64(i), time.Second))
	}
	clock.advance(time.Minute)
	for i := range sweepEvery - 10 {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("new-%d", i), int64(i), time.Hour))
	}
	assert.Equal(t, sweepEvery-10, c.Len())
}

func TestMemoryCache_GetWithFetch(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache[string]()

	fetches := 0
	fetch := func(ctx context.Context, key string) (string, error) {
		fetches++
		return fmt.Sprintf("%s-v%d", key, fetches), nil
	}

	for range 2 {
		v, err := c.GetWithFetch(ctx, "catalog", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, "catalog-v1", v)
	}

	require.NoError(t, c.Delete(ctx, "catalog"))
	v, err := c.GetWithFetch(ctx, "catalog", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, "catalog-v2", v, "Delete forces a refetch")

	clock.advance(time.Minute)
	v, err = c.GetWithFetch(ctx, "catalog", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, "catalog-v3", v, "expiry forces a refetch")
}

func TestMemoryCache_GetWithFetchErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache[int64]()

	boom := errors.New("catalog source unreachable")
	_, err := c.GetWithFetch(ctx, "k", time.Minute, func(context.Context, string) (int64, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_GetWithFetchSharesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache[int64]()

	release := make(chan struct{})
	var fetches atomic.Int32
	fetch := func(context.Context, string) (int64, error) {
		fetches.Add(1)
		<-release
		return 99, nil
	}

	var wg sync.WaitGroup
	results := make(chan int64, 20)
	for range 20 {
		wg.Go(func() {
			v, err := c.GetWithFetch(ctx, "devices:status:claimed", time.Minute, fetch)
			assert.NoError(t, err)
			results <- v
		})
	}
	// Give every caller time to reach the miss before releasing the fetch
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for v := range results {
		assert.Equal(t, int64(99), v)
	}
	assert.LessOrEqual(t, fetches.Load(), int32(2))
}

func TestNew_FallsBackToMemory(t *testing.T) {
	for _, kind := range []string{KindMemory, "", "unknown"} {
		c, err := New[int64](context.Background(), kind, RedisOptions{})
		require.NoError(t, err, kind)
		assert.IsType(t, &MemoryCache[int64]{}, c, kind)
	}
}

func TestCodec(t *testing.T) {
	encoded, err := encodeValue(catalogSnapshot{Skills: []string{"a"}, Version: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"skills":["a"],"version":1}`, encoded)

	decoded, err := decodeValue[catalogSnapshot](encoded)
	require.NoError(t, err)
	assert.Equal(t, 1, decoded.Version)

	_, err = decodeValue[int64]("not-a-number")
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = encodeValue(func() {})
	assert.ErrorIs(t, err, ErrInvalidValue)
}
