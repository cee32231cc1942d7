package store

import (
	"context"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"
)

func (s *Store) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// CreateAuditLogBatch inserts a batch of entries in chunks of 100
func (s *Store) CreateAuditLogBatch(ctx context.Context, entries []*models.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(entries, 100).Error
}

// GetAuditLogsPaginated returns audit logs matching filters, newest first
func (s *Store) GetAuditLogsPaginated(
	ctx context.Context,
	page Page,
	filters AuditLogFilters,
) ([]models.AuditLog, PageInfo, error) {
	query := filters.apply(s.db.WithContext(ctx).Model(&models.AuditLog{}))

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, PageInfo{}, err
	}

	var logs []models.AuditLog
	if err := query.Order("event_time DESC").
		Offset(page.offset()).
		Limit(page.Size).
		Find(&logs).Error; err != nil {
		return nil, PageInfo{}, err
	}

	return logs, pageInfo(total, page), nil
}

// DeleteOldAuditLogs removes entries created before cutoff
func (s *Store) DeleteOldAuditLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.AuditLog{})
	return result.RowsAffected, result.Error
}
