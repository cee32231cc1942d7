package models

import (
	"time"
)

const (
	TokenStatusActive  = "active"
	TokenStatusRevoked = "revoked"
)

// DeviceToken is the bearer credential a device presents when opening a session
type DeviceToken struct {
	ID         string     `gorm:"primaryKey;type:varchar(36)"`
	DeviceID   string     `gorm:"type:varchar(64);not null;index"`
	TokenHash  string     `gorm:"type:varchar(64);uniqueIndex;not null"`
	RawToken   string     `gorm:"-"` // In-memory only; never persisted to DB
	Status     string     `gorm:"type:varchar(20);not null;default:'active';index"`
	ExpiresAt  time.Time  `gorm:"not null"`
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

func (t *DeviceToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsActive returns true if token status is 'active'
func (t *DeviceToken) IsActive() bool {
	return t.Status == TokenStatusActive
}

// IsRevoked returns true if token status is 'revoked'
func (t *DeviceToken) IsRevoked() bool {
	return t.Status == TokenStatusRevoked
}
