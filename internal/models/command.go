package models

import (
	"time"

	"gorm.io/datatypes"
)

// CommandState is a position in the command lifecycle
type CommandState string

const (
	CommandQueued    CommandState = "queued"
	CommandSent      CommandState = "sent"
	CommandReceived  CommandState = "received"
	CommandRunning   CommandState = "running"
	CommandSucceeded CommandState = "succeeded"
	CommandFailed    CommandState = "failed"
	CommandExpired   CommandState = "expired"
)

// NonTerminalCommandStates lists every state a command can still leave
var NonTerminalCommandStates = []CommandState{
	CommandQueued,
	CommandSent,
	CommandReceived,
	CommandRunning,
}

// IsTerminal reports whether no further transition is possible
func (s CommandState) IsTerminal() bool {
	switch s {
	case CommandSucceeded, CommandFailed, CommandExpired:
		return true
	}
	return false
}

// Rank orders states along the delivery path; every terminal state shares the top rank.
func (s CommandState) Rank() int {
	switch s {
	case CommandQueued:
		return 0
	case CommandSent:
		return 1
	case CommandReceived:
		return 2
	case CommandRunning:
		return 3
	case CommandSucceeded, CommandFailed, CommandExpired:
		return 4
	}
	return -1
}

// Command is an administrative instruction addressed to one device.
//
// DedupeSlot is empty while the command is live and set to the command ID once it
// reaches a terminal state, so the unique index on (device, key, slot) allows a
// single live command per idempotency key.
type Command struct {
	ID             string       `gorm:"primaryKey;type:varchar(64)"                                        json:"command_id"`
	DeviceID       string       `gorm:"type:varchar(64);not null;index;uniqueIndex:idx_command_dedupe"     json:"device_id"`
	IdempotencyKey string       `gorm:"type:varchar(128);not null;uniqueIndex:idx_command_dedupe"          json:"idempotency_key"`
	DedupeSlot     string       `gorm:"type:varchar(64);not null;default:'';uniqueIndex:idx_command_dedupe" json:"-"`
	Type           string       `gorm:"type:varchar(64);not null"                                          json:"type"`
	State          CommandState `gorm:"type:varchar(20);not null;index"                                    json:"state"`

	Payload      datatypes.JSON `json:"payload,omitempty"`
	Result       datatypes.JSON `json:"result,omitempty"`
	ErrorMessage string         `gorm:"type:text" json:"error,omitempty"`

	RetryCount    int        `gorm:"not null;default:0" json:"retry_count"`
	NextAttemptAt *time.Time `gorm:"index"              json:"next_attempt_at,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	LastAckAt     *time.Time `json:"last_ack_at,omitempty"`
	CompletedAt   *time.Time `gorm:"index" json:"completed_at,omitempty"`

	IssuedBy  string    `gorm:"type:varchar(64)" json:"issued_by,omitempty"`
	ExpiresAt time.Time `gorm:"not null;index"   json:"expires_at"`
	CreatedAt time.Time `gorm:"index"            json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsExpiredAt reports whether the TTL has elapsed at the given instant
func (c *Command) IsExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
