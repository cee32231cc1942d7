package bootstrap

import (
	"context"
	"fmt"
	"log"

	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/middleware"
	"github.com/go-fleetgate/fleetgate/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// rateLimitMiddlewares holds rate limiting middlewares for different endpoints
type rateLimitMiddlewares struct {
	claim           gin.HandlerFunc
	transferConfirm gin.HandlerFunc
	commands        gin.HandlerFunc
}

// initializeRateLimitRedisClient connects the shared limiter store. It
// returns nil when limiting is off or kept in memory.
func initializeRateLimitRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.EnableRateLimit || cfg.RateLimitStore != config.RateLimitStoreRedis {
		return nil, nil //nolint:nilnil // no shared store configured
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.RedisConnTimeout)
	defer cancel()
	client, err := middleware.CreateRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	log.Printf("Rate limit store: redis (addr=%s, db=%d)", cfg.RedisAddr, cfg.RedisDB)
	return client, nil
}

// setupRateLimiting configures rate limiting middlewares based on configuration.
// redisClient is nil for the memory store.
func setupRateLimiting(
	cfg *config.Config,
	auditService *services.AuditService,
	redisClient *redis.Client,
) (rateLimitMiddlewares, error) {
	if !cfg.EnableRateLimit {
		noOpMiddleware := func(c *gin.Context) { c.Next() }
		return rateLimitMiddlewares{
			claim:           noOpMiddleware,
			transferConfirm: noOpMiddleware,
			commands:        noOpMiddleware,
		}, nil
	}
	return createRateLimiters(cfg, auditService, redisClient)
}

// createRateLimiters creates rate limiting middlewares for all guarded endpoints.
// Code-guessing endpoints are keyed per client IP and device.
func createRateLimiters(
	cfg *config.Config,
	auditService *services.AuditService,
	redisClient *redis.Client,
) (rateLimitMiddlewares, error) {
	log.Printf("Rate limiting enabled (store: %s)", cfg.RateLimitStore)

	storeType := middleware.RateLimitStoreType(cfg.RateLimitStore)
	if storeType == middleware.RateLimitStoreRedis {
		log.Printf("Using shared Redis client for rate limiting")
	} else {
		log.Printf("In-memory rate limiting configured (single instance only)")
	}

	createLimiter := func(requestsPerMinute int, prefix, deviceParam string) (gin.HandlerFunc, error) {
		limiter, err := middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerMinute: requestsPerMinute,
			StoreType:         storeType,
			RedisClient:       redisClient,
			CleanupInterval:   cfg.RateLimitCleanupInterval,
			Prefix:            prefix,
			DeviceParam:       deviceParam,
			AuditService:      auditService,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter %s: %w", prefix, err)
		}
		return limiter, nil
	}

	var (
		limiters rateLimitMiddlewares
		err      error
	)
	if limiters.claim, err = createLimiter(cfg.ClaimRateLimit, "fleetgate:ratelimit:claim", "id"); err != nil {
		return limiters, err
	}
	if limiters.transferConfirm, err = createLimiter(
		cfg.TransferRateLimit, "fleetgate:ratelimit:transfer", "id",
	); err != nil {
		return limiters, err
	}
	if limiters.commands, err = createLimiter(cfg.CommandRateLimit, "fleetgate:ratelimit:commands", ""); err != nil {
		return limiters, err
	}
	return limiters, nil
}
