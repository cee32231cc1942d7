package store

import "errors"

var (
	// ErrRecordNotFound wraps GORM's not found error for consistency
	ErrRecordNotFound = errors.New("record not found")

	// ErrDeviceExists is returned when provisioning an already known device ID
	ErrDeviceExists = errors.New("device already exists")

	// ErrCodeAlreadyClaimed is returned by ClaimDevice when the pairing code was
	// consumed by a concurrent request (0 rows updated).
	ErrCodeAlreadyClaimed = errors.New("pairing code already claimed")

	// ErrTransferAlreadyConfirmed is returned when a transfer nonce was consumed
	// or expired between lookup and confirmation.
	ErrTransferAlreadyConfirmed = errors.New("transfer already confirmed")

	// ErrStaleGeneration is returned when the device changed hands while an
	// operation was in flight.
	ErrStaleGeneration = errors.New("device transfer generation changed")

	// ErrDuplicateCommand is returned when a live command already holds the
	// idempotency key, or the command ID is taken.
	ErrDuplicateCommand = errors.New("duplicate command")
)
