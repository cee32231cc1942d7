package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/protocol"
	"github.com/go-fleetgate/fleetgate/internal/store"
	"github.com/go-fleetgate/fleetgate/internal/util"
)

// DeviceService authenticates device sessions and tracks device presence
type DeviceService struct {
	store   *store.Store
	config  *config.Config
	audit   *AuditService
	metrics metrics.Recorder
	now     func() time.Time
}

func NewDeviceService(
	s *store.Store,
	cfg *config.Config,
	audit *AuditService,
	m metrics.Recorder,
) *DeviceService {
	return &DeviceService{store: s, config: cfg, audit: audit, metrics: m, now: time.Now}
}

// Authenticate resolves a raw bearer token to its device. Unknown tokens yield
// ErrInvalidToken; revoked, expired or superseded ones yield ErrTokenRevoked.
func (s *DeviceService) Authenticate(ctx context.Context, rawToken string) (*models.Device, error) {
	device, err := s.authenticate(ctx, rawToken)
	switch {
	case err == nil:
		s.metrics.RecordTokenValidation("valid")
	case errors.Is(err, ErrTokenRevoked):
		s.metrics.RecordTokenValidation("revoked")
		s.audit.Log(ctx, AuditLogEntry{
			EventType:    models.EventDeviceTokenRejected,
			Severity:     models.SeverityWarning,
			ResourceType: models.ResourceToken,
			ResourceID:   deviceIDOf(device),
			Action:       "Revoked device token presented",
			Success:      false,
			ErrorMessage: err.Error(),
		})
	default:
		s.metrics.RecordTokenValidation("invalid")
	}
	return device, err
}

func (s *DeviceService) authenticate(ctx context.Context, rawToken string) (*models.Device, error) {
	if rawToken == "" {
		return nil, ErrInvalidToken
	}
	token, err := s.store.GetDeviceTokenByHash(ctx, util.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	device, err := s.store.GetDevice(ctx, token.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, err
	}

	now := s.now()
	if !token.IsActive() || !now.Before(token.ExpiresAt) ||
		device.IsDecommissioned() || device.ActiveTokenID != token.ID {
		return device, ErrTokenRevoked
	}

	if err := s.store.TouchDeviceToken(ctx, token.ID, now); err != nil {
		log.Printf("[Device] failed to touch token of %s: %v", device.DeviceID, err)
	}
	return device, nil
}

// StillBound reports whether tokenID is still the device's active credential.
// Long-lived sessions poll it so a rotation performed on another hub instance
// also ends them.
func (s *DeviceService) StillBound(ctx context.Context, deviceID, tokenID string) (bool, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return !device.IsDecommissioned() && tokenID != "" && device.ActiveTokenID == tokenID, nil
}

// ConnectedElsewhere reports whether another hub instance holds the device's session
func (s *DeviceService) ConnectedElsewhere(ctx context.Context, deviceID string) (bool, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return device.Connected && device.HubInstance != s.config.HubInstanceID, nil
}

func deviceIDOf(d *models.Device) string {
	if d == nil {
		return ""
	}
	return d.DeviceID
}

// GetDevice returns a live device the principal may manage
func (s *DeviceService) GetDevice(ctx context.Context, deviceID string, caller *models.Principal) (*models.Device, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	if device.IsDecommissioned() {
		return nil, ErrDeviceDecommissioned
	}
	if caller == nil || (!caller.IsOperator() && !device.IsOwnedBy(caller.Subject)) {
		return nil, ErrNotOwner
	}
	return device, nil
}

// MarkOnline records the session on this hub instance together with the hello capabilities
func (s *DeviceService) MarkOnline(ctx context.Context, deviceID string, hello *protocol.Hello) error {
	var capabilities []byte
	if hello != nil && len(hello.Capabilities) > 0 {
		var err error
		if capabilities, err = json.Marshal(hello.Capabilities); err != nil {
			return err
		}
	}
	if err := s.store.MarkDeviceOnline(ctx, deviceID, s.config.HubInstanceID, capabilities, s.now()); err != nil {
		return err
	}
	if hello != nil && hello.Status != nil {
		return s.RecordStatusReport(ctx, deviceID, hello.Status)
	}
	return nil
}

// MarkOffline clears the connected flag unless another hub instance took the device over
func (s *DeviceService) MarkOffline(ctx context.Context, deviceID string) error {
	return s.store.MarkDeviceOffline(ctx, deviceID, s.config.HubInstanceID, s.now())
}

// Touch stamps last_seen on heartbeat
func (s *DeviceService) Touch(ctx context.Context, deviceID string) error {
	return s.store.TouchDevice(ctx, deviceID, s.now())
}

// RecordStatusReport stores the device's latest self-reported state
func (s *DeviceService) RecordStatusReport(ctx context.Context, deviceID string, report *protocol.StatusReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.store.SaveStatusReport(ctx, deviceID, data, s.now())
}

// ResetHubSessions clears presence left behind by a previous run of this hub instance
func (s *DeviceService) ResetHubSessions(ctx context.Context) (int64, error) {
	return s.store.ResetHubSessions(ctx, s.config.HubInstanceID)
}

// DeviceStatusView is the administrative view of a device
type DeviceStatusView struct {
	DeviceID           string                   `json:"device_id"`
	OwnerID            string                   `json:"owner_id,omitempty"`
	Status             models.DeviceStatus      `json:"status"`
	Model              string                   `json:"model,omitempty"`
	Connected          bool                     `json:"connected"`
	Stale              bool                     `json:"stale"`
	HubInstance        string                   `json:"hub_instance,omitempty"`
	LastSeen           *time.Time               `json:"last_seen,omitempty"`
	TransferGeneration int                      `json:"transfer_generation"`
	Capabilities       json.RawMessage          `json:"capabilities,omitempty"`
	InstalledSkills    []protocol.InstalledSkill `json:"installed_skills"`
	LastCommand        *protocol.CommandSummary `json:"last_command,omitempty"`
	AgentVersion       string                   `json:"agent_version,omitempty"`
	PendingCommands    []models.Command         `json:"pending_commands"`
}

// GetStatus combines the device row, its last status report and its pending commands.
// Stale marks a device flagged connected whose last_seen is beyond the heartbeat grace.
func (s *DeviceService) GetStatus(ctx context.Context, deviceID string, caller *models.Principal) (*DeviceStatusView, error) {
	device, err := s.GetDevice(ctx, deviceID, caller)
	if err != nil {
		return nil, err
	}

	pending, err := s.store.ListPendingCommands(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	view := &DeviceStatusView{
		DeviceID:           device.DeviceID,
		OwnerID:            device.OwnerID,
		Status:             device.Status,
		Model:              device.Model,
		Connected:          device.Connected,
		HubInstance:        device.HubInstance,
		LastSeen:           device.LastSeen,
		TransferGeneration: device.TransferGeneration,
		InstalledSkills:    []protocol.InstalledSkill{},
		PendingCommands:    pending,
	}
	if len(device.Capabilities) > 0 {
		view.Capabilities = json.RawMessage(device.Capabilities)
	}
	if device.Connected && device.LastSeen != nil {
		view.Stale = s.now().Sub(*device.LastSeen) > s.config.HeartbeatGrace()
	}
	if len(device.StatusReport) > 0 {
		var report protocol.StatusReport
		if err := json.Unmarshal(device.StatusReport, &report); err != nil {
			log.Printf("[Device] ignoring unreadable status report of %s: %v", deviceID, err)
		} else {
			if report.InstalledSkills != nil {
				view.InstalledSkills = report.InstalledSkills
			}
			view.LastCommand = report.LastCommand
			view.AgentVersion = report.AgentVersion
		}
	}
	return view, nil
}
