package bootstrap

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/go-fleetgate/fleetgate/internal/cache"
	"github.com/go-fleetgate/fleetgate/internal/catalog"
	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/handlers"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/scheduler"
	"github.com/go-fleetgate/fleetgate/internal/services"
	"github.com/go-fleetgate/fleetgate/internal/session"
	"github.com/go-fleetgate/fleetgate/internal/store"

	"github.com/appleboy/graceful"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Application is the wired control plane
type Application struct {
	Config *config.Config

	DB                   *store.Store
	MetricsRecorder      metrics.Recorder
	MetricsCache         cache.Cache[int64]
	MetricsCacheCloser   func() error
	CatalogCache         cache.Cache[catalog.Index]
	CatalogCacheCloser   func() error
	RateLimitRedisClient *redis.Client

	AuditService   *services.AuditService
	PairingService *services.PairingService
	DeviceService  *services.DeviceService
	CommandService *services.CommandService
	CatalogService *catalog.Service
	Hub            *session.Hub
	Scheduler      *scheduler.Scheduler

	HandlerSet handlerSet
	Router     *gin.Engine
	Server     *http.Server
}

// Run initializes and starts the control plane, blocking until shutdown
func Run(ctx context.Context, cfg *config.Config) error {
	app := &Application{Config: cfg}

	if err := validateAllConfiguration(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := app.initializeInfrastructure(ctx); err != nil {
		return err
	}

	if err := app.initializeBusinessLayer(ctx); err != nil {
		return err
	}

	if err := app.initializeHTTPLayer(); err != nil {
		return err
	}

	app.startWithGracefulShutdown(ctx)
	return nil
}

// initializeInfrastructure sets up database, metrics, caches, and Redis
func (app *Application) initializeInfrastructure(ctx context.Context) error {
	var err error

	app.DB, err = initializeDatabase(ctx, app.Config)
	if err != nil {
		return err
	}

	app.MetricsRecorder = initializeMetrics(app.Config)
	app.MetricsCache, app.MetricsCacheCloser, err = initializeMetricsCache(ctx, app.Config)
	if err != nil {
		return err
	}
	app.CatalogCache, app.CatalogCacheCloser, err = initializeCatalogCache(ctx, app.Config)
	if err != nil {
		return err
	}

	app.RateLimitRedisClient, err = initializeRateLimitRedisClient(ctx, app.Config)
	if err != nil {
		return err
	}
	return nil
}

// initializeBusinessLayer sets up services, the session hub and the scheduler
func (app *Application) initializeBusinessLayer(ctx context.Context) error {
	app.AuditService = services.NewAuditService(
		app.DB,
		app.Config.EnableAuditLogging,
		app.Config.AuditLogBufferSize,
	)

	var err error
	app.PairingService, app.DeviceService, app.CommandService, err = initializeServices(
		app.Config,
		app.DB,
		app.AuditService,
		app.MetricsRecorder,
	)
	if err != nil {
		return err
	}

	app.Hub = initializeHub(
		app.Config,
		app.PairingService,
		app.DeviceService,
		app.CommandService,
		app.AuditService,
		app.MetricsRecorder,
	)
	app.Scheduler = initializeScheduler(app.Config, app.CommandService, app.DeviceService, app.Hub)

	app.CatalogService, err = initializeCatalog(app.Config, app.CatalogCache, app.MetricsRecorder)
	if err != nil {
		return err
	}

	// Sessions recorded for this instance did not survive the restart
	n, err := app.DeviceService.ResetHubSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset stale sessions: %w", err)
	}
	if n > 0 {
		log.Printf("Marked %d device(s) from a previous run of %s offline", n, app.Config.HubInstanceID)
	}
	return nil
}

// initializeHTTPLayer sets up handlers, router, and server
func (app *Application) initializeHTTPLayer() error {
	app.HandlerSet = initializeHandlers(
		app.Config,
		app.PairingService,
		app.DeviceService,
		app.CommandService,
		app.CatalogService,
		app.AuditService,
		app.Hub,
	)

	rateLimiters, err := setupRateLimiting(app.Config, app.AuditService, app.RateLimitRedisClient)
	if err != nil {
		return err
	}

	app.Router, err = setupRouter(
		app.Config,
		app.DB,
		app.Hub,
		app.HandlerSet,
		app.MetricsRecorder,
		rateLimiters,
		app.healthComponents()...,
	)
	if err != nil {
		return err
	}

	app.Server = createHTTPServer(app.Config, app.Router)
	return nil
}

// healthComponents lists the shared cache backends reported by /health
func (app *Application) healthComponents() []handlers.Component {
	var components []handlers.Component
	if app.Config.CatalogCacheType != config.CacheTypeMemory && app.CatalogCache != nil {
		components = append(components, handlers.Component{Name: "catalog_cache", Checker: app.CatalogCache})
	}
	if app.Config.MetricsCacheType != config.CacheTypeMemory && app.MetricsCache != nil {
		components = append(components, handlers.Component{Name: "metrics_cache", Checker: app.MetricsCache})
	}
	return components
}

// startWithGracefulShutdown starts the server and handles graceful shutdown.
// Cancelling ctx has the same effect as SIGINT or SIGTERM.
func (app *Application) startWithGracefulShutdown(ctx context.Context) {
	m := graceful.NewManager(graceful.WithContext(ctx))

	addServerRunningJob(m, app.Server)
	addSchedulerJobs(m, app.Config, app.Scheduler)
	addAuditLogCleanupJob(m, app.Config, app.AuditService)
	addMetricsGaugeUpdateJob(m, app.Config, app.DB, app.MetricsRecorder, app.MetricsCache)

	app.addShutdownJobs(m)

	<-m.Done()

	if err := app.DB.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}
