package services

import "errors"

// Pairing and ownership errors
var (
	ErrInvalidPairingCode   = errors.New("invalid pairing code")
	ErrAlreadyClaimed       = errors.New("device already claimed")
	ErrCodeExpired          = errors.New("pairing code expired")
	ErrTransferNonceInvalid = errors.New("transfer nonce invalid")
	ErrTransferNonceExpired = errors.New("transfer nonce expired")
	ErrPhysicalCodeMismatch = errors.New("physical reset code mismatch")
	ErrNotOwner             = errors.New("caller does not own the device")
	ErrDeviceNotClaimed     = errors.New("device is not claimed")
)

// Device errors
var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrDeviceExists         = errors.New("device already exists")
	ErrInvalidDeviceID      = errors.New("invalid device id")
	ErrDeviceDecommissioned = errors.New("device decommissioned")
	ErrDeviceUnreachable    = errors.New("device unreachable")
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid device token")
	ErrTokenRevoked = errors.New("device token revoked")
)

// Command errors
var (
	ErrCommandNotFound    = errors.New("command not found")
	ErrInvalidCommand     = errors.New("invalid command")
	ErrCommandExpired     = errors.New("command expired")
	ErrDuplicateCommandID = errors.New("command id already used")
)
