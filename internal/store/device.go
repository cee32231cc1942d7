package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreateDevice stores a freshly manufactured device together with its first pairing code
func (s *Store) CreateDevice(ctx context.Context, device *models.Device, code *models.PairingCode) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(device).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDeviceExists
			}
			return err
		}
		return tx.Create(code).Error
	})
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	var device models.Device
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error; err != nil {
		return nil, notFound(err)
	}
	return &device, nil
}

func (s *Store) GetPairingCode(ctx context.Context, deviceID string, generation int) (*models.PairingCode, error) {
	var code models.PairingCode
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND generation = ?", deviceID, generation).
		First(&code).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &code, nil
}

// ClaimParams describes a claim that consumes a pairing code
type ClaimParams struct {
	DeviceID   string
	Generation int
	OwnerID    string
	Token      *models.DeviceToken
	ClaimedAt  time.Time
}

// ClaimDevice consumes the pairing code and binds the device in one transaction.
// The pairing code update is conditional on claimed_at being NULL, so of any number
// of concurrent callers exactly one observes a row change.
func (s *Store) ClaimDevice(ctx context.Context, p ClaimParams) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.PairingCode{}).
			Where("device_id = ? AND generation = ? AND claimed_at IS NULL", p.DeviceID, p.Generation).
			Updates(map[string]any{
				"claimed_at": p.ClaimedAt,
				"claimed_by": p.OwnerID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrCodeAlreadyClaimed
		}

		result = tx.Model(&models.Device{}).
			Where(
				"device_id = ? AND status = ? AND transfer_generation = ? AND decommissioned_at IS NULL",
				p.DeviceID, models.DeviceStatusUnclaimed, p.Generation,
			).
			Updates(map[string]any{
				"owner_id":        p.OwnerID,
				"status":          models.DeviceStatusClaimed,
				"claimed_at":      p.ClaimedAt,
				"active_token_id": p.Token.ID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrCodeAlreadyClaimed
		}

		return rotateToken(tx, p.DeviceID, p.Token, p.ClaimedAt)
	})
}

// rotateToken revokes every active token of the device and stores the replacement, if any
func rotateToken(tx *gorm.DB, deviceID string, next *models.DeviceToken, at time.Time) error {
	if err := tx.Model(&models.DeviceToken{}).
		Where("device_id = ? AND status = ?", deviceID, models.TokenStatusActive).
		Updates(map[string]any{
			"status":     models.TokenStatusRevoked,
			"revoked_at": at,
		}).Error; err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return tx.Create(next).Error
}

// CreateTransfer records a pending transfer and moves the device into transferring
func (s *Store) CreateTransfer(ctx context.Context, transfer *models.OwnershipTransfer) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Device{}).
			Where(
				"device_id = ? AND status IN ? AND decommissioned_at IS NULL",
				transfer.DeviceID,
				[]models.DeviceStatus{models.DeviceStatusClaimed, models.DeviceStatusTransferring},
			).
			Update("status", models.DeviceStatusTransferring)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleGeneration
		}
		return tx.Create(transfer).Error
	})
}

func (s *Store) GetTransferByNonceHash(ctx context.Context, nonceHash string) (*models.OwnershipTransfer, error) {
	var transfer models.OwnershipTransfer
	if err := s.db.WithContext(ctx).Where("nonce_hash = ?", nonceHash).First(&transfer).Error; err != nil {
		return nil, notFound(err)
	}
	return &transfer, nil
}

// RecordTransferMismatch counts a wrong reset code against the transfer. Once
// maxAttempts is reached the nonce expires at at. Reports whether it expired.
func (s *Store) RecordTransferMismatch(
	ctx context.Context,
	transferID string,
	maxAttempts int,
	at time.Time,
) (bool, error) {
	err := s.db.WithContext(ctx).Model(&models.OwnershipTransfer{}).
		Where("id = ? AND confirmed = ?", transferID, false).
		Updates(map[string]any{
			"failed_attempts": gorm.Expr("failed_attempts + 1"),
			"expires_at": gorm.Expr(
				"CASE WHEN failed_attempts + 1 >= ? THEN ? ELSE expires_at END",
				maxAttempts, at,
			),
		}).Error
	if err != nil {
		return false, err
	}

	var transfer models.OwnershipTransfer
	if err := s.db.WithContext(ctx).Where("id = ?", transferID).First(&transfer).Error; err != nil {
		return false, notFound(err)
	}
	return transfer.FailedAttempts >= maxAttempts, nil
}

// ConfirmTransferParams describes the outcome of a confirmed transfer.
// A non-empty NewOwnerID rebinds the device and issues Token; otherwise the
// device is reset to unclaimed and NextPairingCode becomes claimable.
type ConfirmTransferParams struct {
	TransferID         string
	DeviceID           string
	ExpectedGeneration int
	NewOwnerID         string
	Token              *models.DeviceToken
	NextPairingCode    *models.PairingCode
	ConfirmedAt        time.Time
}

// ConfirmTransfer consumes the transfer nonce, rotates the token and rebinds or
// resets ownership as a single transaction.
func (s *Store) ConfirmTransfer(ctx context.Context, p ConfirmTransferParams) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.OwnershipTransfer{}).
			Where("id = ? AND confirmed = ? AND expires_at > ?", p.TransferID, false, p.ConfirmedAt).
			Updates(map[string]any{
				"confirmed":    true,
				"confirmed_at": p.ConfirmedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrTransferAlreadyConfirmed
		}

		updates := map[string]any{
			"transfer_generation": p.ExpectedGeneration + 1,
			"active_token_id":     "",
			"owner_id":            "",
			"status":              models.DeviceStatusUnclaimed,
			"claimed_at":          nil,
		}
		if p.NewOwnerID != "" {
			updates["owner_id"] = p.NewOwnerID
			updates["status"] = models.DeviceStatusClaimed
			updates["claimed_at"] = p.ConfirmedAt
			updates["active_token_id"] = p.Token.ID
		}

		result = tx.Model(&models.Device{}).
			Where(
				"device_id = ? AND transfer_generation = ? AND decommissioned_at IS NULL",
				p.DeviceID, p.ExpectedGeneration,
			).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleGeneration
		}

		// Other nonces issued for the previous owner die with the generation
		if err := tx.Model(&models.OwnershipTransfer{}).
			Where("device_id = ? AND confirmed = ?", p.DeviceID, false).
			Update("expires_at", p.ConfirmedAt).Error; err != nil {
			return err
		}

		if err := rotateToken(tx, p.DeviceID, p.Token, p.ConfirmedAt); err != nil {
			return err
		}
		if p.NextPairingCode != nil {
			return tx.Create(p.NextPairingCode).Error
		}
		return nil
	})
}

// DecommissionDevice revokes credentials, expires live commands and marks the device removed
func (s *Store) DecommissionDevice(ctx context.Context, deviceID string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Device{}).
			Where("device_id = ? AND decommissioned_at IS NULL", deviceID).
			Updates(map[string]any{
				"decommissioned_at": at,
				"owner_id":          "",
				"status":            models.DeviceStatusUnclaimed,
				"active_token_id":   "",
				"connected":         false,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRecordNotFound
		}

		if err := rotateToken(tx, deviceID, nil, at); err != nil {
			return err
		}
		if err := tx.Model(&models.OwnershipTransfer{}).
			Where("device_id = ? AND confirmed = ?", deviceID, false).
			Update("expires_at", at).Error; err != nil {
			return err
		}
		return tx.Model(&models.Command{}).
			Where("device_id = ? AND state IN ?", deviceID, models.NonTerminalCommandStates).
			Updates(map[string]any{
				"state":         models.CommandExpired,
				"error_message": "device decommissioned",
				"completed_at":  at,
				"dedupe_slot":   gorm.Expr("id"),
			}).Error
	})
}

func (s *Store) GetDeviceTokenByHash(ctx context.Context, tokenHash string) (*models.DeviceToken, error) {
	var token models.DeviceToken
	if err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&token).Error; err != nil {
		return nil, notFound(err)
	}
	return &token, nil
}

func (s *Store) TouchDeviceToken(ctx context.Context, tokenID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.DeviceToken{}).
		Where("id = ?", tokenID).
		Update("last_used_at", at).Error
}

// MarkDeviceOnline records that the device holds a session on hubInstance
func (s *Store) MarkDeviceOnline(
	ctx context.Context,
	deviceID, hubInstance string,
	capabilities []byte,
	at time.Time,
) error {
	updates := map[string]any{
		"connected":    true,
		"hub_instance": hubInstance,
		"last_seen":    at,
	}
	if len(capabilities) > 0 {
		updates["capabilities"] = datatypes.JSON(capabilities)
	}
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Updates(updates).Error
}

// MarkDeviceOffline clears the connected flag only if hubInstance still owns the session
func (s *Store) MarkDeviceOffline(ctx context.Context, deviceID, hubInstance string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("device_id = ? AND hub_instance = ?", deviceID, hubInstance).
		Updates(map[string]any{
			"connected": false,
			"last_seen": at,
		}).Error
}

// ResetHubSessions marks every device pinned to hubInstance offline; used at hub startup.
func (s *Store) ResetHubSessions(ctx context.Context, hubInstance string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("hub_instance = ? AND connected = ?", hubInstance, true).
		Update("connected", false)
	return result.RowsAffected, result.Error
}

func (s *Store) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Update("last_seen", at).Error
}

func (s *Store) SaveStatusReport(ctx context.Context, deviceID string, report []byte, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{
			"status_report": datatypes.JSON(report),
			"last_seen":     at,
		}).Error
}

// CountDevicesByStatus returns live (not decommissioned) devices grouped by status
func (s *Store) CountDevicesByStatus(ctx context.Context) (map[models.DeviceStatus]int64, error) {
	var rows []struct {
		Status models.DeviceStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.Device{}).
		Select("status, COUNT(*) AS count").
		Where("decommissioned_at IS NULL").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.DeviceStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (s *Store) CountConnectedDevices(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("connected = ?", true).
		Count(&count).Error
	return count, err
}
