package models

import (
	"time"

	"gorm.io/datatypes"
)

// EventType names what happened to a fleet resource
type EventType string

const (
	// Provisioning and ownership events
	EventDeviceProvisioned    EventType = "DEVICE_PROVISIONED"
	EventDeviceClaimed        EventType = "DEVICE_CLAIMED"
	EventDeviceClaimFailed    EventType = "DEVICE_CLAIM_FAILED"
	EventTransferRequested    EventType = "TRANSFER_REQUESTED"
	EventTransferConfirmed    EventType = "TRANSFER_CONFIRMED"
	EventTransferFailed       EventType = "TRANSFER_FAILED"
	EventDeviceDecommissioned EventType = "DEVICE_DECOMMISSIONED"

	// Token events
	EventDeviceTokenIssued   EventType = "DEVICE_TOKEN_ISSUED"   //nolint:gosec // G101: event name, not a credential
	EventDeviceTokenRevoked  EventType = "DEVICE_TOKEN_REVOKED"  //nolint:gosec // G101: event name, not a credential
	EventDeviceTokenRejected EventType = "DEVICE_TOKEN_REJECTED" //nolint:gosec // G101: event name, not a credential

	// Session events
	EventSessionOpened     EventType = "SESSION_OPENED"
	EventSessionClosed     EventType = "SESSION_CLOSED"
	EventSessionSuperseded EventType = "SESSION_SUPERSEDED"

	// Command events
	EventCommandIssued    EventType = "COMMAND_ISSUED"
	EventCommandCompleted EventType = "COMMAND_COMPLETED"
	EventCommandFailed    EventType = "COMMAND_FAILED"
	EventCommandExpired   EventType = "COMMAND_EXPIRED"

	// Skill events
	EventSkillInstalled     EventType = "SKILL_INSTALLED"
	EventSkillInstallFailed EventType = "SKILL_INSTALL_FAILED"

	// Security events
	EventRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"

	EventAuditLogViewed EventType = "AUDIT_LOG_VIEWED"
)

// EventSeverity represents the severity level of an audit event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "INFO"
	SeverityWarning  EventSeverity = "WARNING"
	SeverityError    EventSeverity = "ERROR"
	SeverityCritical EventSeverity = "CRITICAL"
)

// ResourceType represents the type of resource being operated on
type ResourceType string

const (
	ResourceDevice   ResourceType = "DEVICE"
	ResourceToken    ResourceType = "TOKEN"
	ResourceTransfer ResourceType = "TRANSFER"
	ResourceCommand  ResourceType = "COMMAND"
	ResourceSkill    ResourceType = "SKILL"
	ResourceSession  ResourceType = "SESSION"
)

// AuditDetails carries event-specific fields, stored as a JSON column
type AuditDetails = datatypes.JSONMap

// AuditLog is an immutable record of a security-relevant fleet event
type AuditLog struct {
	ID string `gorm:"primaryKey;type:varchar(36)" json:"id"`

	// Event information
	EventType EventType     `gorm:"type:varchar(50);index;not null" json:"event_type"`
	EventTime time.Time     `gorm:"index;not null"                  json:"event_time"`
	Severity  EventSeverity `gorm:"type:varchar(20);not null"       json:"severity"`

	// Actor information
	ActorID   string `gorm:"type:varchar(64);index" json:"actor_id"`
	ActorRole string `gorm:"type:varchar(20)"       json:"actor_role"`
	ActorIP   string `gorm:"type:varchar(45);index" json:"actor_ip"` // Support IPv6

	// Resource information
	ResourceType ResourceType `gorm:"type:varchar(50);index" json:"resource_type"`
	ResourceID   string       `gorm:"type:varchar(64);index" json:"resource_id"`
	ResourceName string       `gorm:"type:varchar(255)"      json:"resource_name"`

	// Operation details
	Action       string       `gorm:"type:varchar(255);not null" json:"action"`
	Details      AuditDetails `gorm:"type:json"                  json:"details"`
	Success      bool         `gorm:"index;not null"             json:"success"`
	ErrorMessage string       `gorm:"type:text"                  json:"error_message,omitempty"`

	// Request metadata
	UserAgent     string `gorm:"type:varchar(500)" json:"user_agent,omitempty"`
	RequestPath   string `gorm:"type:varchar(500)" json:"request_path,omitempty"`
	RequestMethod string `gorm:"type:varchar(10)"  json:"request_method,omitempty"`

	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
