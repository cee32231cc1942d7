package metrics

import (
	"context"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/cache"
	"github.com/go-fleetgate/fleetgate/internal/models"
)

// metricsStore defines the database operations needed by CacheWrapper.
// *store.Store satisfies it; tests supply a fake.
type metricsStore interface {
	CountDevicesByStatus(ctx context.Context) (map[models.DeviceStatus]int64, error)
	CountConnectedDevices(ctx context.Context) (int64, error)
	CountCommandsByState(ctx context.Context) (map[models.CommandState]int64, error)
}

// CacheWrapper provides a read-through cache for gauge data.
// Gauge updates on every hub instance share one set of cached counts, so the
// database sees one aggregate query per key and TTL window.
type CacheWrapper struct {
	store metricsStore
	cache cache.Cache[int64]
}

// NewCacheWrapper creates a new cache wrapper for metrics.
func NewCacheWrapper(store metricsStore, cache cache.Cache[int64]) *CacheWrapper {
	return &CacheWrapper{
		store: store,
		cache: cache,
	}
}

// GetDevicesByStatusCount returns the number of live devices in status.
func (m *CacheWrapper) GetDevicesByStatusCount(
	ctx context.Context,
	status models.DeviceStatus,
	ttl time.Duration,
) (int64, error) {
	return m.cache.GetWithFetch(ctx, "devices:status:"+string(status), ttl,
		func(ctx context.Context, _ string) (int64, error) {
			counts, err := m.store.CountDevicesByStatus(ctx)
			if err != nil {
				return 0, err
			}
			return counts[status], nil
		})
}

// GetConnectedDevicesCount returns the fleet-wide connected device count.
func (m *CacheWrapper) GetConnectedDevicesCount(ctx context.Context, ttl time.Duration) (int64, error) {
	return m.cache.GetWithFetch(ctx, "devices:connected", ttl,
		func(ctx context.Context, _ string) (int64, error) {
			return m.store.CountConnectedDevices(ctx)
		})
}

// GetCommandsByStateCount returns the number of retained commands in state.
func (m *CacheWrapper) GetCommandsByStateCount(
	ctx context.Context,
	state models.CommandState,
	ttl time.Duration,
) (int64, error) {
	return m.cache.GetWithFetch(ctx, "commands:state:"+string(state), ttl,
		func(ctx context.Context, _ string) (int64, error) {
			counts, err := m.store.CountCommandsByState(ctx)
			if err != nil {
				return 0, err
			}
			return counts[state], nil
		})
}
