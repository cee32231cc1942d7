package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker is satisfied by the store and the cache backends
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Component is an optional dependency reported by /health. A failing
// component degrades the status without failing the probe.
type Component struct {
	Name    string
	Checker HealthChecker
}

// Health handles GET /health
func Health(db HealthChecker, connected func() int, components ...Component) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "disconnected",
				"error":    err.Error(),
			})
			return
		}

		status := "healthy"
		checks := make(gin.H, len(components))
		for _, comp := range components {
			if comp.Checker == nil {
				continue
			}
			if err := comp.Checker.Health(ctx); err != nil {
				status = "degraded"
				checks[comp.Name] = err.Error()
				continue
			}
			checks[comp.Name] = "ok"
		}

		resp := gin.H{
			"status":   status,
			"database": "connected",
		}
		if len(checks) > 0 {
			resp["components"] = checks
		}
		if connected != nil {
			resp["sessions"] = connected()
		}
		c.JSON(http.StatusOK, resp)
	}
}
