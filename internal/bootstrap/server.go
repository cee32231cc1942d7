package bootstrap

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/cache"
	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/scheduler"
	"github.com/go-fleetgate/fleetgate/internal/services"
	"github.com/go-fleetgate/fleetgate/internal/store"

	"github.com/appleboy/graceful"
)

// createHTTPServer creates the HTTP server instance. Device sessions are
// hijacked by the WebSocket upgrader and are not bound by these timeouts.
func createHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// addServerRunningJob serves HTTP until the manager starts shutting down
func addServerRunningJob(m *graceful.Manager, srv *http.Server) {
	m.AddRunningJob(func(ctx context.Context) error {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("Failed to start server: %v", err)
			}
		}()
		<-ctx.Done()
		return nil
	})
}

// addTickerJob runs fn at startup and then every interval until shutdown
func addTickerJob(m *graceful.Manager, interval time.Duration, fn func(ctx context.Context)) {
	m.AddRunningJob(func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			fn(ctx)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// addShutdownStep registers a named shutdown action bounded by timeout.
// A nil stop is skipped.
func addShutdownStep(m *graceful.Manager, name string, timeout time.Duration, stop func(ctx context.Context) error) {
	if stop == nil {
		return
	}
	m.AddShutdownJob(func() error {
		log.Printf("Stopping %s...", name)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := stop(ctx); err != nil {
			log.Printf("Error stopping %s: %v", name, err)
			return err
		}
		log.Printf("%s stopped", name)
		return nil
	})
}

// addShutdownJobs registers a stop step for each long-lived component.
// Closed device sessions carry the shutdown reason so agents reconnect to
// another instance.
func (app *Application) addShutdownJobs(m *graceful.Manager) {
	timeout := app.Config.ServerShutdownTimeout
	addShutdownStep(m, "HTTP server", timeout, app.Server.Shutdown)
	addShutdownStep(m, "session hub", timeout, func(ctx context.Context) error {
		log.Printf("Closing %d device session(s)", app.Hub.ConnectedCount())
		return app.Hub.Shutdown(ctx)
	})
	if app.RateLimitRedisClient != nil {
		addShutdownStep(m, "rate limit store", timeout, func(context.Context) error {
			return app.RateLimitRedisClient.Close()
		})
	}
	addShutdownStep(m, "audit service", app.Config.AuditShutdownTimeout, app.AuditService.Shutdown)
	for name, closer := range map[string]func() error{
		"metrics cache": app.MetricsCacheCloser,
		"catalog cache": app.CatalogCacheCloser,
	} {
		if closer != nil {
			addShutdownStep(m, name, timeout, func(context.Context) error { return closer() })
		}
	}
}

// addSchedulerJobs runs the retry/expiry sweep and the command retention worker
func addSchedulerJobs(m *graceful.Manager, cfg *config.Config, s *scheduler.Scheduler) {
	m.AddRunningJob(func(ctx context.Context) error {
		return s.Run(ctx, cfg.SchedulerInterval)
	})
	if cfg.CommandRetention <= 0 || cfg.RetentionInterval <= 0 {
		log.Println("Command retention disabled")
		return
	}
	m.AddRunningJob(func(ctx context.Context) error {
		return s.RunRetention(ctx, cfg.RetentionInterval, cfg.CommandRetention)
	})
}

// addAuditLogCleanupJob prunes audit entries past AUDIT_LOG_RETENTION daily
func addAuditLogCleanupJob(m *graceful.Manager, cfg *config.Config, audit *services.AuditService) {
	if !cfg.EnableAuditLogging || cfg.AuditLogRetention <= 0 {
		return
	}
	addTickerJob(m, 24*time.Hour, func(ctx context.Context) {
		deleted, err := audit.CleanupOldLogs(ctx, cfg.AuditLogRetention)
		switch {
		case err != nil:
			log.Printf("Failed to cleanup old audit logs: %v", err)
		case deleted > 0:
			log.Printf("Cleaned up %d old audit logs", deleted)
		}
	})
}

// addMetricsGaugeUpdateJob refreshes the fleet gauges through the shared cache
func addMetricsGaugeUpdateJob(
	m *graceful.Manager,
	cfg *config.Config,
	db *store.Store,
	recorder metrics.Recorder,
	metricsCache cache.Cache[int64],
) {
	if !cfg.MetricsEnabled || !cfg.MetricsGaugeUpdateEnabled || metricsCache == nil {
		return
	}
	counts := metrics.NewCacheWrapper(db, metricsCache)
	addTickerJob(m, cfg.MetricsGaugeUpdateInterval, func(ctx context.Context) {
		updateGaugeMetricsWithCache(ctx, counts, recorder, cfg.MetricsGaugeUpdateInterval)
	})
}

// throttledLog prints at most one message per key per window
type throttledLog struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func newThrottledLog(window time.Duration) *throttledLog {
	return &throttledLog{window: window, last: map[string]time.Time{}, now: time.Now}
}

// printf reports whether the message was printed
func (l *throttledLog) printf(key, format string, args ...any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now()
	if prev, ok := l.last[key]; ok && t.Sub(prev) < l.window {
		return false
	}
	l.last[key] = t
	log.Printf(format, args...)
	return true
}

var gaugeErrors = newThrottledLog(5 * time.Minute)

func gaugeQueryFailed(m metrics.Recorder, op string, err error) {
	m.RecordDatabaseQueryError(op)
	gaugeErrors.printf(op, "Gauge query %s failed: %v (repeats suppressed for %v)", op, err, gaugeErrors.window)
}

var (
	gaugeDeviceStatuses = []models.DeviceStatus{
		models.DeviceStatusUnclaimed,
		models.DeviceStatusClaimed,
		models.DeviceStatusTransferring,
	}
	gaugeCommandStates = []models.CommandState{
		models.CommandQueued,
		models.CommandSent,
		models.CommandReceived,
		models.CommandRunning,
		models.CommandSucceeded,
		models.CommandFailed,
		models.CommandExpired,
	}
)

// updateGaugeMetricsWithCache updates fleet gauges using a cache-backed store so
// that several hub instances share one set of count queries per interval.
func updateGaugeMetricsWithCache(
	ctx context.Context,
	cacheWrapper *metrics.CacheWrapper,
	m metrics.Recorder,
	cacheTTL time.Duration,
) {
	for _, status := range gaugeDeviceStatuses {
		count, err := cacheWrapper.GetDevicesByStatusCount(ctx, status, cacheTTL)
		if err != nil {
			gaugeQueryFailed(m, "count_devices_by_status", err)
			break
		}
		m.SetDevicesByStatus(string(status), int(count))
	}

	connected, err := cacheWrapper.GetConnectedDevicesCount(ctx, cacheTTL)
	if err != nil {
		gaugeQueryFailed(m, "count_connected_devices", err)
	} else {
		m.SetConnectedDevices(int(connected))
	}

	for _, state := range gaugeCommandStates {
		count, err := cacheWrapper.GetCommandsByStateCount(ctx, state, cacheTTL)
		if err != nil {
			gaugeQueryFailed(m, "count_commands_by_state", err)
			break
		}
		m.SetCommandsByState(string(state), int(count))
	}
}
