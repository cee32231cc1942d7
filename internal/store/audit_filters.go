package store

import (
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"

	"gorm.io/gorm"
)

// AuditLogFilters narrows an audit listing. Zero fields match everything.
type AuditLogFilters struct {
	EventType    models.EventType     `json:"event_type,omitempty"`
	ActorID      string               `json:"actor_id,omitempty"`
	ResourceType models.ResourceType  `json:"resource_type,omitempty"`
	ResourceID   string               `json:"resource_id,omitempty"`
	Severity     models.EventSeverity `json:"severity,omitempty"`
	Success      *bool                `json:"success,omitempty"`
	StartTime    time.Time            `json:"start_time,omitzero"`
	EndTime      time.Time            `json:"end_time,omitzero"`
	ActorIP      string               `json:"actor_ip,omitempty"`
	// Search matches action, resource name or actor id
	Search string `json:"search,omitempty"`
}

func (f AuditLogFilters) apply(q *gorm.DB) *gorm.DB {
	for _, eq := range [...]struct{ column, value string }{
		{"event_type", string(f.EventType)},
		{"actor_id", f.ActorID},
		{"resource_type", string(f.ResourceType)},
		{"resource_id", f.ResourceID},
		{"severity", string(f.Severity)},
		{"actor_ip", f.ActorIP},
	} {
		if eq.value != "" {
			q = q.Where(eq.column+" = ?", eq.value)
		}
	}
	if f.Success != nil {
		q = q.Where("success = ?", *f.Success)
	}
	if !f.StartTime.IsZero() {
		q = q.Where("event_time >= ?", f.StartTime)
	}
	if !f.EndTime.IsZero() {
		q = q.Where("event_time <= ?", f.EndTime)
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		q = q.Where("action LIKE ? OR resource_name LIKE ? OR actor_id LIKE ?", like, like, like)
	}
	return q
}
