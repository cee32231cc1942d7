package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/credential"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/protocol"
	"github.com/go-fleetgate/fleetgate/internal/store"
	"github.com/go-fleetgate/fleetgate/internal/util"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	deviceTokenPrefix   = "dtk_"
	transferNoncePrefix = "xfr_"
	factorySecretBytes  = 32
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// SessionTerminator closes the live session of a device, if this hub holds one.
// It returns once the session is gone.
type SessionTerminator interface {
	DisconnectDevice(ctx context.Context, deviceID, reason string) bool
}

// PairingService provisions devices and brokers their ownership
type PairingService struct {
	store      *store.Store
	config     *config.Config
	sealer     *credential.Sealer
	verifier   credential.Verifier
	audit      *AuditService
	metrics    metrics.Recorder
	terminator SessionTerminator
	now        func() time.Time
}

func NewPairingService(
	s *store.Store,
	cfg *config.Config,
	sealer *credential.Sealer,
	verifier credential.Verifier,
	audit *AuditService,
	m metrics.Recorder,
) *PairingService {
	return &PairingService{
		store:    s,
		config:   cfg,
		sealer:   sealer,
		verifier: verifier,
		audit:    audit,
		metrics:  m,
		now:      time.Now,
	}
}

// SetSessionTerminator wires the session hub once it exists
func (s *PairingService) SetSessionTerminator(t SessionTerminator) {
	s.terminator = t
}

// ProvisionRequest is the manufacture-time record of a device
type ProvisionRequest struct {
	DeviceID      string
	FactorySecret []byte // generated when empty
	Model         string
	Capabilities  []byte
}

// ProvisionResult carries the values printed on the device label.
// FactorySecret is set only when the service generated it.
type ProvisionResult struct {
	Device        *models.Device
	PairingCode   string
	FactorySecret string
}

// ProvisionDevice seals the factory secret and registers the generation-0 pairing code
func (s *PairingService) ProvisionDevice(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if !deviceIDPattern.MatchString(req.DeviceID) {
		return nil, ErrInvalidDeviceID
	}

	secret := req.FactorySecret
	generated := false
	if len(secret) == 0 {
		var err error
		secret, err = util.RandomBytes(factorySecretBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to generate factory secret: %w", err)
		}
		generated = true
	}

	sealed, err := s.sealer.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal factory secret: %w", err)
	}

	now := s.now()
	device := &models.Device{
		DeviceID:     req.DeviceID,
		Status:       models.DeviceStatusUnclaimed,
		SealedSecret: sealed,
		Model:        req.Model,
	}
	if len(req.Capabilities) > 0 {
		device.Capabilities = datatypes.JSON(req.Capabilities)
	}
	code := &models.PairingCode{
		DeviceID:   req.DeviceID,
		Generation: 0,
		ExpiresAt:  now.Add(s.config.PairingCodeTTL),
	}

	if err := s.store.CreateDevice(ctx, device, code); err != nil {
		if errors.Is(err, store.ErrDeviceExists) {
			return nil, ErrDeviceExists
		}
		s.metrics.RecordDatabaseQueryError("create_device")
		return nil, err
	}

	s.audit.Log(ctx, AuditLogEntry{
		EventType:    models.EventDeviceProvisioned,
		ResourceType: models.ResourceDevice,
		ResourceID:   req.DeviceID,
		ResourceName: req.Model,
		Action:       "Device provisioned",
		Success:      true,
	})

	result := &ProvisionResult{
		Device:      device,
		PairingCode: credential.DeriveCode(s.verifier, req.DeviceID, secret),
	}
	if generated {
		result.FactorySecret = hex.EncodeToString(secret)
	}
	return result, nil
}

// ClaimResult is returned to the claiming owner. Token is shown once.
type ClaimResult struct {
	DeviceID       string
	OwnerID        string
	Token          string
	TokenExpiresAt time.Time
	ClaimedAt      time.Time
}

// Claim consumes the pairing code of the current generation and binds the device
// to ownerID. Of any number of concurrent claims exactly one succeeds.
func (s *PairingService) Claim(ctx context.Context, deviceID, code, ownerID string) (*ClaimResult, error) {
	result, err := s.claim(ctx, deviceID, code, ownerID)
	if err != nil {
		s.metrics.RecordClaim(claimOutcome(err))
		s.audit.Log(ctx, AuditLogEntry{
			EventType:    models.EventDeviceClaimFailed,
			Severity:     models.SeverityWarning,
			ResourceType: models.ResourceDevice,
			ResourceID:   deviceID,
			Action:       "Device claim rejected",
			Details:      models.AuditDetails{"owner_id": ownerID, "pairing_code": code},
			Success:      false,
			ErrorMessage: err.Error(),
		})
		return nil, err
	}

	s.metrics.RecordClaim("success")
	s.metrics.RecordTokenIssued("claim")
	if err := s.audit.LogSync(ctx, AuditLogEntry{
		EventType:    models.EventDeviceClaimed,
		ResourceType: models.ResourceDevice,
		ResourceID:   deviceID,
		Action:       "Device claimed",
		Details:      models.AuditDetails{"owner_id": ownerID},
		Success:      true,
	}); err != nil {
		log.Printf("[Pairing] failed to write claim audit for %s: %v", deviceID, err)
	}
	return result, nil
}

func (s *PairingService) claim(ctx context.Context, deviceID, code, ownerID string) (*ClaimResult, error) {
	if ownerID == "" {
		return nil, ErrNotOwner
	}

	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrInvalidPairingCode
		}
		return nil, err
	}
	if device.IsDecommissioned() {
		return nil, ErrInvalidPairingCode
	}

	secret, err := s.sealer.Open(device.SealedSecret)
	if err != nil {
		return nil, err
	}
	generation := device.TransferGeneration
	if !s.verifier.Verify(secret, credential.PurposePairing, deviceID, generation, code) {
		return nil, ErrInvalidPairingCode
	}

	if device.Status != models.DeviceStatusUnclaimed {
		return nil, ErrAlreadyClaimed
	}
	pairing, err := s.store.GetPairingCode(ctx, deviceID, generation)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrInvalidPairingCode
		}
		return nil, err
	}
	if pairing.IsClaimed() {
		return nil, ErrAlreadyClaimed
	}

	now := s.now()
	if now.After(pairing.ExpiresAt) {
		return nil, ErrCodeExpired
	}

	raw, token, err := s.newDeviceToken(deviceID, now)
	if err != nil {
		return nil, err
	}

	err = s.store.ClaimDevice(ctx, store.ClaimParams{
		DeviceID:   deviceID,
		Generation: generation,
		OwnerID:    ownerID,
		Token:      token,
		ClaimedAt:  now,
	})
	if err != nil {
		if errors.Is(err, store.ErrCodeAlreadyClaimed) {
			return nil, ErrAlreadyClaimed
		}
		s.metrics.RecordDatabaseQueryError("claim_device")
		return nil, err
	}

	return &ClaimResult{
		DeviceID:       deviceID,
		OwnerID:        ownerID,
		Token:          raw,
		TokenExpiresAt: token.ExpiresAt,
		ClaimedAt:      now,
	}, nil
}

func (s *PairingService) newDeviceToken(deviceID string, now time.Time) (string, *models.DeviceToken, error) {
	raw, err := util.OpaqueToken(deviceTokenPrefix)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate device token: %w", err)
	}
	return raw, &models.DeviceToken{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		TokenHash: util.HashToken(raw),
		Status:    models.TokenStatusActive,
		ExpiresAt: now.Add(s.config.DeviceTokenTTL),
		CreatedAt: now,
	}, nil
}

func claimOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPairingCode):
		return "invalid_code"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrCodeExpired):
		return "expired"
	default:
		return "error"
	}
}

// TransferTicket is handed to the current owner; the nonce is shown once
type TransferTicket struct {
	TransferID string
	DeviceID   string
	Nonce      string
	ExpiresAt  time.Time
}

// TransferInit opens a pending transfer for the device. Only the current owner or
// an operator may start one.
func (s *PairingService) TransferInit(
	ctx context.Context,
	deviceID string,
	caller *models.Principal,
) (*TransferTicket, error) {
	device, err := s.liveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if caller == nil || (!caller.IsOperator() && !device.IsOwnedBy(caller.Subject)) {
		s.metrics.RecordTransfer("init", "not_owner")
		return nil, ErrNotOwner
	}
	if device.Status == models.DeviceStatusUnclaimed {
		return nil, ErrDeviceNotClaimed
	}

	nonce, err := util.OpaqueToken(transferNoncePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to generate transfer nonce: %w", err)
	}
	now := s.now()
	transfer := &models.OwnershipTransfer{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		NonceHash:   util.HashToken(nonce),
		RequestedBy: caller.Subject,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.config.TransferNonceTTL),
	}
	if err := s.store.CreateTransfer(ctx, transfer); err != nil {
		if errors.Is(err, store.ErrStaleGeneration) {
			return nil, ErrDeviceNotClaimed
		}
		s.metrics.RecordDatabaseQueryError("create_transfer")
		return nil, err
	}

	s.metrics.RecordTransfer("init", "success")
	s.audit.Log(ctx, AuditLogEntry{
		EventType:    models.EventTransferRequested,
		ResourceType: models.ResourceTransfer,
		ResourceID:   transfer.ID,
		ResourceName: deviceID,
		Action:       "Ownership transfer requested",
		Details: models.AuditDetails{
			"device_id":   deviceID,
			"transfer_id": transfer.ID,
			"expires_at":  transfer.ExpiresAt,
		},
		Success: true,
	})

	return &TransferTicket{
		TransferID: transfer.ID,
		DeviceID:   deviceID,
		Nonce:      nonce,
		ExpiresAt:  transfer.ExpiresAt,
	}, nil
}

// TransferConfirmRequest completes a transfer. An empty NewOwnerID returns the
// device to the unclaimed state with a fresh pairing code.
type TransferConfirmRequest struct {
	DeviceID   string
	Nonce      string
	ResetCode  string
	NewOwnerID string
}

// TransferResult describes the device after a confirmed transfer
type TransferResult struct {
	DeviceID           string
	OwnerID            string
	Status             models.DeviceStatus
	TransferGeneration int
	Token              string
	TokenExpiresAt     *time.Time
	ConfirmedAt        time.Time
}

// TransferConfirm checks the nonce and the physical reset code shown on the device,
// then rotates the token, rebinds ownership and bumps the transfer generation in
// one transaction. The live session bound to the old token is closed before return.
func (s *PairingService) TransferConfirm(ctx context.Context, req TransferConfirmRequest) (*TransferResult, error) {
	result, err := s.transferConfirm(ctx, req)
	if err != nil {
		s.metrics.RecordTransfer("confirm", transferOutcome(err))
		severity := models.SeverityWarning
		if errors.Is(err, ErrPhysicalCodeMismatch) {
			severity = models.SeverityCritical
		}
		s.audit.Log(ctx, AuditLogEntry{
			EventType:    models.EventTransferFailed,
			Severity:     severity,
			ResourceType: models.ResourceDevice,
			ResourceID:   req.DeviceID,
			Action:       "Ownership transfer rejected",
			Details:      models.AuditDetails{"nonce": req.Nonce, "reset_code": req.ResetCode},
			Success:      false,
			ErrorMessage: err.Error(),
		})
		return nil, err
	}

	s.metrics.RecordTransfer("confirm", "success")
	s.metrics.RecordTokenRevoked("transfer")
	if result.Token != "" {
		s.metrics.RecordTokenIssued("transfer")
	}
	if err := s.audit.LogSync(ctx, AuditLogEntry{
		EventType:    models.EventTransferConfirmed,
		ResourceType: models.ResourceDevice,
		ResourceID:   req.DeviceID,
		Action:       "Ownership transferred",
		Details: models.AuditDetails{
			"new_owner_id":        result.OwnerID,
			"transfer_generation": result.TransferGeneration,
		},
		Success: true,
	}); err != nil {
		log.Printf("[Pairing] failed to write transfer audit for %s: %v", req.DeviceID, err)
	}
	return result, nil
}

func (s *PairingService) transferConfirm(ctx context.Context, req TransferConfirmRequest) (*TransferResult, error) {
	device, err := s.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrTransferNonceInvalid
		}
		return nil, err
	}
	if device.IsDecommissioned() {
		return nil, ErrTransferNonceInvalid
	}

	transfer, err := s.store.GetTransferByNonceHash(ctx, util.HashToken(req.Nonce))
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrTransferNonceInvalid
		}
		return nil, err
	}
	if transfer.DeviceID != req.DeviceID || transfer.Confirmed {
		return nil, ErrTransferNonceInvalid
	}
	now := s.now()
	if !now.Before(transfer.ExpiresAt) {
		return nil, ErrTransferNonceExpired
	}

	secret, err := s.sealer.Open(device.SealedSecret)
	if err != nil {
		return nil, err
	}
	generation := device.TransferGeneration
	if !s.verifier.Verify(secret, credential.PurposeReset, req.DeviceID, generation, req.ResetCode) {
		exhausted, err := s.store.RecordTransferMismatch(ctx, transfer.ID, s.maxTransferAttempts(), now)
		if err != nil {
			log.Printf("[Pairing] failed to record reset code mismatch for %s: %v", req.DeviceID, err)
		} else if exhausted {
			log.Printf("[Pairing] transfer %s for %s exhausted its reset code attempts", transfer.ID, req.DeviceID)
		}
		return nil, ErrPhysicalCodeMismatch
	}

	params := store.ConfirmTransferParams{
		TransferID:         transfer.ID,
		DeviceID:           req.DeviceID,
		ExpectedGeneration: generation,
		NewOwnerID:         req.NewOwnerID,
		ConfirmedAt:        now,
	}
	result := &TransferResult{
		DeviceID:           req.DeviceID,
		OwnerID:            req.NewOwnerID,
		TransferGeneration: generation + 1,
		ConfirmedAt:        now,
	}
	if req.NewOwnerID != "" {
		raw, token, err := s.newDeviceToken(req.DeviceID, now)
		if err != nil {
			return nil, err
		}
		params.Token = token
		result.Token = raw
		result.TokenExpiresAt = &token.ExpiresAt
		result.Status = models.DeviceStatusClaimed
	} else {
		params.NextPairingCode = &models.PairingCode{
			DeviceID:   req.DeviceID,
			Generation: generation + 1,
			ExpiresAt:  now.Add(s.config.PairingCodeTTL),
		}
		result.Status = models.DeviceStatusUnclaimed
	}

	if err := s.store.ConfirmTransfer(ctx, params); err != nil {
		if errors.Is(err, store.ErrTransferAlreadyConfirmed) || errors.Is(err, store.ErrStaleGeneration) {
			return nil, ErrTransferNonceInvalid
		}
		s.metrics.RecordDatabaseQueryError("confirm_transfer")
		return nil, err
	}

	s.disconnect(ctx, req.DeviceID, protocol.CloseRevoked)
	return result, nil
}

func (s *PairingService) maxTransferAttempts() int {
	if s.config.TransferMaxAttempts > 0 {
		return s.config.TransferMaxAttempts
	}
	return 5
}

func transferOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTransferNonceInvalid):
		return "nonce_invalid"
	case errors.Is(err, ErrTransferNonceExpired):
		return "nonce_expired"
	case errors.Is(err, ErrPhysicalCodeMismatch):
		return "code_mismatch"
	default:
		return "error"
	}
}

// Decommission revokes the device's credentials, expires its pending commands and
// closes its session. The device row is kept for audit.
func (s *PairingService) Decommission(ctx context.Context, deviceID string) error {
	now := s.now()
	if err := s.store.DecommissionDevice(ctx, deviceID, now); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		s.metrics.RecordDatabaseQueryError("decommission_device")
		return err
	}

	s.disconnect(ctx, deviceID, protocol.CloseDecommissioned)
	s.metrics.RecordTokenRevoked("decommission")
	if err := s.audit.LogSync(ctx, AuditLogEntry{
		EventType:    models.EventDeviceDecommissioned,
		Severity:     models.SeverityWarning,
		ResourceType: models.ResourceDevice,
		ResourceID:   deviceID,
		Action:       "Device decommissioned",
		Success:      true,
	}); err != nil {
		log.Printf("[Pairing] failed to write decommission audit for %s: %v", deviceID, err)
	}
	return nil
}

// ResetCode returns the physical reset code the device currently displays.
// Used by operator tooling and tests; never exposed over the API.
func (s *PairingService) ResetCode(ctx context.Context, deviceID string) (string, error) {
	device, err := s.liveDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	secret, err := s.sealer.Open(device.SealedSecret)
	if err != nil {
		return "", err
	}
	code := s.verifier.Derive(secret, credential.PurposeReset, deviceID, device.TransferGeneration)
	return credential.FormatCode(code), nil
}

func (s *PairingService) liveDevice(ctx context.Context, deviceID string) (*models.Device, error) {
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
	return device, nil
}

func (s *PairingService) disconnect(ctx context.Context, deviceID, reason string) {
	if s.terminator == nil {
		return
	}
	if s.terminator.DisconnectDevice(ctx, deviceID, reason) {
		log.Printf("[Pairing] closed live session of %s (%s)", deviceID, reason)
	}
}
