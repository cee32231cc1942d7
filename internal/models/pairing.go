package models

import (
	"time"
)

// PairingCode tracks consumption of the code derived for one transfer generation.
// The code itself is never stored; it is re-derived from the sealed factory secret.
type PairingCode struct {
	ID         int64      `gorm:"primaryKey;autoIncrement"`
	DeviceID   string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_pairing_device_gen"`
	Generation int        `gorm:"not null;uniqueIndex:idx_pairing_device_gen"`
	ClaimedAt  *time.Time `gorm:"index"`
	ClaimedBy  string     `gorm:"type:varchar(64)"`
	ExpiresAt  time.Time  `gorm:"not null"`
	CreatedAt  time.Time
}

func (p *PairingCode) IsExpired() bool {
	return time.Now().After(p.ExpiresAt)
}

func (p *PairingCode) IsClaimed() bool {
	return p.ClaimedAt != nil
}

// OwnershipTransfer is a pending re-bind of a device. Only the nonce hash is stored.
type OwnershipTransfer struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)"`
	DeviceID    string     `gorm:"type:varchar(64);not null;index"`
	NonceHash   string     `gorm:"type:varchar(64);uniqueIndex;not null"`
	RequestedBy string     `gorm:"type:varchar(64);not null"`
	RequestedAt time.Time  `gorm:"not null"`
	ExpiresAt   time.Time  `gorm:"not null"`
	Confirmed   bool       `gorm:"not null;default:false"`
	ConfirmedAt *time.Time
	// FailedAttempts counts wrong reset codes presented with this nonce
	FailedAttempts int `gorm:"not null;default:0"`
}

func (t *OwnershipTransfer) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}
