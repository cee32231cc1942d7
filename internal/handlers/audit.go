package handlers

import (
	"net/http"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/services"
	"github.com/go-fleetgate/fleetgate/internal/store"

	"github.com/gin-gonic/gin"
)

type AuditHandler struct {
	audit *services.AuditService
}

func NewAuditHandler(audit *services.AuditService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// auditQuery is the query string accepted by GET /api/v1/audit
type auditQuery struct {
	Page         int       `form:"page"`
	PageSize     int       `form:"page_size"`
	EventType    string    `form:"event_type"`
	ActorID      string    `form:"actor_id"`
	ActorIP      string    `form:"actor_ip"`
	ResourceType string    `form:"resource_type"`
	ResourceID   string    `form:"resource_id"`
	Severity     string    `form:"severity"`
	Success      *bool     `form:"success"`
	StartTime    time.Time `form:"start_time" time_format:"2006-01-02T15:04:05Z07:00"`
	EndTime      time.Time `form:"end_time"   time_format:"2006-01-02T15:04:05Z07:00"`
	Search       string    `form:"search"`
}

func (q auditQuery) filters() store.AuditLogFilters {
	return store.AuditLogFilters{
		EventType:    models.EventType(q.EventType),
		ActorID:      q.ActorID,
		ActorIP:      q.ActorIP,
		ResourceType: models.ResourceType(q.ResourceType),
		ResourceID:   q.ResourceID,
		Severity:     models.EventSeverity(q.Severity),
		Success:      q.Success,
		StartTime:    q.StartTime,
		EndTime:      q.EndTime,
		Search:       q.Search,
	}
}

// ListAuditLogs handles GET /api/v1/audit (operators only), newest first
func (h *AuditHandler) ListAuditLogs(c *gin.Context) {
	var q auditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "invalid audit query: "+err.Error())
		return
	}
	page := store.NewPage(q.Page, q.PageSize)
	filters := q.filters()

	logs, info, err := h.audit.GetAuditLogs(c.Request.Context(), page, filters)
	if err != nil {
		respondError(c, err)
		return
	}

	// Reading the trail is itself audited
	h.audit.Log(c.Request.Context(), services.AuditLogEntry{
		EventType:     models.EventAuditLogViewed,
		Action:        "Viewed audit logs",
		Details:       models.AuditDetails{"page": page.Number, "page_size": page.Size, "filters": filters},
		Success:       true,
		RequestPath:   c.Request.URL.Path,
		RequestMethod: c.Request.Method,
		UserAgent:     c.Request.UserAgent(),
	})

	c.JSON(http.StatusOK, gin.H{"logs": logs, "pagination": info})
}
