package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceStatus is the ownership state of a device
type DeviceStatus string

const (
	DeviceStatusUnclaimed    DeviceStatus = "unclaimed"
	DeviceStatusClaimed      DeviceStatus = "claimed"
	DeviceStatusTransferring DeviceStatus = "transferring"
)

// Device is a managed edge device. DeviceID is assigned at manufacture and never changes.
type Device struct {
	DeviceID string       `gorm:"primaryKey;type:varchar(64)"                  json:"device_id"`
	OwnerID  string       `gorm:"type:varchar(64);index"                       json:"owner_id,omitempty"`
	Status   DeviceStatus `gorm:"type:varchar(20);not null;default:'unclaimed'" json:"status"`

	// ActiveTokenID references the single active DeviceToken, empty when none is issued
	ActiveTokenID string `gorm:"type:varchar(36)" json:"-"`

	// SealedSecret is the age-encrypted factory secret
	SealedSecret       string `gorm:"type:text;not null"     json:"-"`
	TransferGeneration int    `gorm:"not null;default:0"     json:"transfer_generation"`
	Model              string `gorm:"type:varchar(100)"      json:"model,omitempty"`

	Capabilities datatypes.JSON `json:"capabilities,omitempty"`
	StatusReport datatypes.JSON `json:"status_report,omitempty"`

	Connected   bool       `gorm:"not null;default:false;index" json:"connected"`
	HubInstance string     `gorm:"type:varchar(100)"            json:"hub_instance,omitempty"`
	LastSeen    *time.Time `gorm:"index"                        json:"last_seen,omitempty"`

	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	DecommissionedAt *time.Time `gorm:"index" json:"decommissioned_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsDecommissioned reports whether the device was removed from the fleet
func (d *Device) IsDecommissioned() bool {
	return d.DecommissionedAt != nil
}

// IsOwnedBy reports whether ownerID is the current owner
func (d *Device) IsOwnedBy(ownerID string) bool {
	return ownerID != "" && d.OwnerID == ownerID
}
