package bootstrap

import (
	"context"
	"fmt"
	"log"

	"github.com/go-fleetgate/fleetgate/internal/cache"
	"github.com/go-fleetgate/fleetgate/internal/catalog"
	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/store"
)

func initializeDatabase(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.DBInitTimeout)
	defer cancel()

	db, err := store.New(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func initializeMetrics(cfg *config.Config) metrics.Recorder {
	prometheusMetrics := metrics.Init(cfg.MetricsEnabled)
	if cfg.MetricsEnabled {
		log.Println("Prometheus metrics initialized")
	} else {
		log.Println("Metrics disabled (using noop implementation)")
	}
	return prometheusMetrics
}

// initializeMetricsCache initializes the gauge query cache based on configuration
func initializeMetricsCache(
	ctx context.Context,
	cfg *config.Config,
) (cache.Cache[int64], func() error, error) {
	if !cfg.MetricsEnabled || !cfg.MetricsGaugeUpdateEnabled {
		return nil, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.CacheInitTimeout)
	defer cancel()

	c, err := cache.New[int64](ctx, cfg.MetricsCacheType, cache.RedisOptions{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		KeyPrefix:         "fleetgate:metrics:",
		ClientTTL:         cfg.MetricsCacheClientTTL,
		CacheSizeEachConn: cfg.MetricsCacheSizePerConn,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize %s metrics cache: %w", cfg.MetricsCacheType, err)
	}
	logCacheBackend("Metrics", cfg.MetricsCacheType, cfg)
	return c, c.Close, nil
}

// initializeCatalogCache initializes the parsed catalog index cache (always enabled, defaults to memory)
func initializeCatalogCache(
	ctx context.Context,
	cfg *config.Config,
) (cache.Cache[catalog.Index], func() error, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.CacheInitTimeout)
	defer cancel()

	c, err := cache.New[catalog.Index](ctx, cfg.CatalogCacheType, cache.RedisOptions{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		KeyPrefix:         "fleetgate:catalog:",
		ClientTTL:         cfg.CatalogCacheClientTTL,
		CacheSizeEachConn: cfg.CatalogCacheSizePerConn,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize %s catalog cache: %w", cfg.CatalogCacheType, err)
	}
	logCacheBackend("Catalog", cfg.CatalogCacheType, cfg)
	return c, c.Close, nil
}

func logCacheBackend(name, kind string, cfg *config.Config) {
	switch kind {
	case config.CacheTypeRedisAside, config.CacheTypeRedis:
		log.Printf("%s cache: %s (addr=%s, db=%d)", name, kind, cfg.RedisAddr, cfg.RedisDB)
	default:
		log.Printf("%s cache: memory (single instance only)", name)
	}
}
