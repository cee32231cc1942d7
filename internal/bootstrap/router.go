package bootstrap

import (
	"log"

	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/handlers"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/middleware"
	"github.com/go-fleetgate/fleetgate/internal/session"
	"github.com/go-fleetgate/fleetgate/internal/store"
	"github.com/go-fleetgate/fleetgate/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRouter configures the Gin router with all routes and middleware
func setupRouter(
	cfg *config.Config,
	db *store.Store,
	hub *session.Hub,
	h handlerSet,
	prometheusMetrics metrics.Recorder,
	rateLimiters rateLimitMiddlewares,
	healthComponents ...handlers.Component,
) (*gin.Engine, error) {
	setupGinMode(cfg)
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}

	r.Use(metrics.HTTPMetricsMiddleware(prometheusMetrics, "/metrics", "/health", "/device/session"))
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(util.ClientIPMiddleware())

	r.GET("/health", handlers.Health(db, hub.ConnectedCount, healthComponents...))
	setupMetricsEndpoint(r, cfg)

	// Device plane: the agent's outbound session
	r.GET("/device/session", h.session.Connect)

	setupAPIRoutes(r, cfg, h, rateLimiters)

	logServerStartup(cfg)
	return r, nil
}

// setupMetricsEndpoint configures the Prometheus metrics endpoint
func setupMetricsEndpoint(r *gin.Engine, cfg *config.Config) {
	switch {
	case !cfg.MetricsEnabled:
		log.Printf("Prometheus metrics disabled")
	case cfg.MetricsToken != "":
		log.Printf("Prometheus metrics enabled at /metrics with Bearer token authentication")
		r.GET(
			"/metrics",
			middleware.RequireStaticToken("Metrics", cfg.MetricsToken),
			gin.WrapH(promhttp.Handler()),
		)
	default:
		log.Printf("Prometheus metrics enabled at /metrics (no authentication)")
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

// setupAPIRoutes configures the administrative API
func setupAPIRoutes(
	r *gin.Engine,
	cfg *config.Config,
	h handlerSet,
	rateLimiters rateLimitMiddlewares,
) {
	api := r.Group("/api/v1")
	api.Use(middleware.RequireAdminToken(cfg.JWTSecret))

	operator := middleware.RequireOperator()

	devices := api.Group("/devices")
	{
		devices.POST("", operator, h.device.Provision)
		devices.DELETE("/:id", operator, h.device.Decommission)
		devices.POST("/:id/claim", rateLimiters.claim, h.device.Claim)
		devices.POST("/:id/transfer", h.device.TransferInit)
		devices.POST("/:id/transfer/confirm", rateLimiters.transferConfirm, h.device.TransferConfirm)
		devices.GET("/:id/status", h.device.Status)
		devices.POST("/:id/commands", rateLimiters.commands, h.command.Issue)
		devices.GET("/:id/commands/:command_id", h.command.Get)
		devices.POST("/:id/skills", rateLimiters.commands, h.catalog.InstallSkill)
	}

	api.GET("/catalog", h.catalog.Get)
	api.GET("/audit", operator, h.audit.ListAuditLogs)
}

// setupGinMode sets Gin mode based on environment configuration
func setupGinMode(cfg *config.Config) {
	mode := ginModeMap[cfg.IsProduction]
	gin.SetMode(mode)
	log.Printf("Gin mode: %s", ginModeLogMessage[cfg.IsProduction])
}

var ginModeMap = map[bool]string{
	true:  gin.ReleaseMode,
	false: gin.DebugMode,
}

var ginModeLogMessage = map[bool]string{
	true:  "Release (production)",
	false: "Debug (development)",
}

// logServerStartup logs server startup information
func logServerStartup(cfg *config.Config) {
	log.Printf("FleetGate control plane starting on %s", cfg.ServerAddr)
	log.Printf("Hub instance: %s", cfg.HubInstanceID)
	log.Printf("Device session endpoint: %s/device/session", cfg.BaseURL)
	log.Printf("Admin API: %s/api/v1", cfg.BaseURL)
}
