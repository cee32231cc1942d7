package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"

	"gorm.io/gorm"
)

// CreateCommand inserts a new queued command. A live command holding the same
// idempotency key, or an existing command ID, yields ErrDuplicateCommand.
func (s *Store) CreateCommand(ctx context.Context, cmd *models.Command) error {
	if err := s.db.WithContext(ctx).Create(cmd).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateCommand
		}
		return err
	}
	return nil
}

func (s *Store) GetCommand(ctx context.Context, commandID string) (*models.Command, error) {
	var cmd models.Command
	if err := s.db.WithContext(ctx).Where("id = ?", commandID).First(&cmd).Error; err != nil {
		return nil, notFound(err)
	}
	return &cmd, nil
}

// FindLiveCommandByKey returns the non-terminal command holding the idempotency key
func (s *Store) FindLiveCommandByKey(ctx context.Context, deviceID, key string) (*models.Command, error) {
	var cmd models.Command
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND idempotency_key = ? AND dedupe_slot = ?", deviceID, key, "").
		First(&cmd).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cmd, nil
}

// TransitionCommand moves a command to the target state only if it currently sits in
// one of the expected predecessor states. Non-expiry transitions additionally require
// the TTL to be unexpired at now. The returned bool reports whether a row changed.
func (s *Store) TransitionCommand(
	ctx context.Context,
	commandID string,
	from []models.CommandState,
	to models.CommandState,
	updates map[string]any,
	now time.Time,
) (bool, error) {
	values := make(map[string]any, len(updates)+3)
	for k, v := range updates {
		values[k] = v
	}
	values["state"] = to
	if to.IsTerminal() {
		values["completed_at"] = now
		values["dedupe_slot"] = gorm.Expr("id")
	}

	query := s.db.WithContext(ctx).Model(&models.Command{}).
		Where("id = ? AND state IN ?", commandID, from)
	if to != models.CommandExpired {
		query = query.Where("expires_at > ?", now)
	}

	result := query.Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListDispatchableCommands returns queued, unexpired commands whose backoff has elapsed, oldest first
func (s *Store) ListDispatchableCommands(
	ctx context.Context,
	deviceID string,
	now time.Time,
	limit int,
) ([]models.Command, error) {
	var cmds []models.Command
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND state = ? AND expires_at > ?", deviceID, models.CommandQueued, now).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&cmds).Error
	return cmds, err
}

// ListPendingCommands returns every non-terminal command of the device, oldest first
func (s *Store) ListPendingCommands(ctx context.Context, deviceID string) ([]models.Command, error) {
	var cmds []models.Command
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND state IN ?", deviceID, models.NonTerminalCommandStates).
		Order("created_at ASC, id ASC").
		Find(&cmds).Error
	return cmds, err
}

// ListOverdueCommands returns non-terminal commands whose TTL has elapsed.
// An empty deviceID scans the whole fleet.
func (s *Store) ListOverdueCommands(
	ctx context.Context,
	deviceID string,
	now time.Time,
	limit int,
) ([]models.Command, error) {
	query := s.db.WithContext(ctx).
		Where("state IN ? AND expires_at <= ?", models.NonTerminalCommandStates, now)
	if deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}
	var cmds []models.Command
	err := query.Order("expires_at ASC").Limit(limit).Find(&cmds).Error
	return cmds, err
}

// ListAckOverdueCommands returns sent commands whose ack deadline (next_attempt_at) has passed
func (s *Store) ListAckOverdueCommands(ctx context.Context, now time.Time, limit int) ([]models.Command, error) {
	var cmds []models.Command
	err := s.db.WithContext(ctx).
		Where(
			"state IN ? AND next_attempt_at <= ? AND expires_at > ?",
			[]models.CommandState{models.CommandSent, models.CommandReceived, models.CommandRunning},
			now, now,
		).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&cmds).Error
	return cmds, err
}

// RevertSentCommands returns every sent command of the device to the queue
func (s *Store) RevertSentCommands(ctx context.Context, deviceID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Command{}).
		Where("device_id = ? AND state = ?", deviceID, models.CommandSent).
		Updates(map[string]any{
			"state":           models.CommandQueued,
			"sent_at":         nil,
			"next_attempt_at": nil,
		})
	return result.RowsAffected, result.Error
}

// ResumeInProgressCommands makes the device's received and running commands due
// for redelivery at now
func (s *Store) ResumeInProgressCommands(ctx context.Context, deviceID string, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Command{}).
		Where(
			"device_id = ? AND state IN ? AND expires_at > ?",
			deviceID,
			[]models.CommandState{models.CommandReceived, models.CommandRunning},
			now,
		).
		Update("next_attempt_at", now)
	return result.RowsAffected, result.Error
}

// DeleteTerminalCommandsBefore removes finished commands completed before cutoff
func (s *Store) DeleteTerminalCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where(
			"state IN ? AND completed_at < ?",
			[]models.CommandState{models.CommandSucceeded, models.CommandFailed, models.CommandExpired},
			cutoff,
		).
		Delete(&models.Command{})
	return result.RowsAffected, result.Error
}

// CountCommandsByState groups all retained commands by state
func (s *Store) CountCommandsByState(ctx context.Context) (map[models.CommandState]int64, error) {
	var rows []struct {
		State models.CommandState
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&models.Command{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.CommandState]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Count
	}
	return counts, nil
}
