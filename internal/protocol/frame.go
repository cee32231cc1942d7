package protocol

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by Conn operations after the connection is closed
	ErrClosed = errors.New("protocol: connection closed")

	// ErrInvalidFrame indicates a frame that failed to decode or validate
	ErrInvalidFrame = errors.New("protocol: invalid frame")
)

// FrameType identifies the kind of frame on a device session
type FrameType string

const (
	FrameHello     FrameType = "hello"
	FrameHeartbeat FrameType = "heartbeat"
	FrameCommand   FrameType = "command"
	FrameAck       FrameType = "command_ack"
	FrameStatus    FrameType = "status"
	FrameClose     FrameType = "close"
)

// Close reasons sent to the peer before the hub or agent drops a session
const (
	CloseSuperseded       = "superseded"
	CloseHeartbeatTimeout = "heartbeat_timeout"
	CloseRevoked          = "revoked"
	CloseDecommissioned   = "decommissioned"
	CloseShutdown         = "shutdown"
	CloseProtocolError    = "protocol_error"
	CloseHandshakeTimeout = "handshake_timeout"
)

// AckStatus is the progress a device reports for a command
type AckStatus string

const (
	AckReceived  AckStatus = "received"
	AckRunning   AckStatus = "running"
	AckSucceeded AckStatus = "succeeded"
	AckFailed    AckStatus = "failed"
	AckExpired   AckStatus = "expired"
)

// IsTerminal reports whether no further acks follow this one
func (s AckStatus) IsTerminal() bool {
	return s == AckSucceeded || s == AckFailed || s == AckExpired
}

func (s AckStatus) Valid() bool {
	switch s {
	case AckReceived, AckRunning, AckSucceeded, AckFailed, AckExpired:
		return true
	}
	return false
}

// Frame is the envelope exchanged over a device session. Exactly one of the
// optional members is set, matching Type; heartbeats carry none.
type Frame struct {
	Type    FrameType     `cbor:"1,keyasint"`
	SentAt  time.Time     `cbor:"2,keyasint"`
	Hello   *Hello        `cbor:"3,keyasint,omitempty"`
	Command *Command      `cbor:"4,keyasint,omitempty"`
	Ack     *Ack          `cbor:"5,keyasint,omitempty"`
	Status  *StatusReport `cbor:"6,keyasint,omitempty"`
	Close   *Close        `cbor:"7,keyasint,omitempty"`
}

// Hello is the first frame a device sends after the transport is up. The hub
// answers with its own hello carrying the device's transfer generation, which
// the agent needs to display the current reset code.
type Hello struct {
	DeviceID           string        `cbor:"device_id"`
	AgentVersion       string        `cbor:"agent_version,omitempty"`
	Capabilities       []string      `cbor:"capabilities,omitempty"`
	Status             *StatusReport `cbor:"status,omitempty"`
	TransferGeneration int           `cbor:"transfer_generation,omitempty"`
}

// Command is a command envelope pushed to the device.
// Payload is the JSON document supplied by the administrative caller.
type Command struct {
	CommandID      string    `cbor:"command_id"`
	IdempotencyKey string    `cbor:"idempotency_key"`
	Type           string    `cbor:"type"`
	Payload        []byte    `cbor:"payload,omitempty"`
	ExpiresAt      time.Time `cbor:"expires_at"`
	Attempt        int       `cbor:"attempt"`
}

// Ack reports command progress; Result is a JSON document for terminal acks
type Ack struct {
	CommandID      string    `cbor:"command_id"`
	IdempotencyKey string    `cbor:"idempotency_key"`
	Status         AckStatus `cbor:"status"`
	Result         []byte    `cbor:"result,omitempty"`
	Error          string    `cbor:"error,omitempty"`
	At             time.Time `cbor:"at"`
}

// StatusReport is the device's self-reported state
type StatusReport struct {
	InstalledSkills []InstalledSkill `cbor:"installed_skills,omitempty" json:"installed_skills"`
	LastCommand     *CommandSummary  `cbor:"last_command,omitempty"     json:"last_command,omitempty"`
	PendingCommands int              `cbor:"pending_commands"           json:"pending_commands"`
	AgentVersion    string           `cbor:"agent_version,omitempty"    json:"agent_version,omitempty"`
}

// InstalledSkill describes one active skill on the device
type InstalledSkill struct {
	SkillID     string    `cbor:"skill_id"             json:"skill_id"`
	Version     string    `cbor:"version"              json:"version"`
	Status      string    `cbor:"status"               json:"status"`
	Path        string    `cbor:"path,omitempty"       json:"path,omitempty"`
	InstalledAt time.Time `cbor:"installed_at"         json:"installed_at"`
	LastError   string    `cbor:"last_error,omitempty" json:"last_error,omitempty"`
}

// CommandSummary is the latest command the agent executed
type CommandSummary struct {
	CommandID string    `cbor:"command_id" json:"command_id"`
	Type      string    `cbor:"type"       json:"type"`
	Status    AckStatus `cbor:"status"     json:"status"`
	At        time.Time `cbor:"at"         json:"at"`
}

// Close tells the peer why the session is ending
type Close struct {
	Reason string `cbor:"reason"`
}

// Validate checks that the frame carries the member its type requires
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameHello:
		if f.Hello == nil || f.Hello.DeviceID == "" {
			return fmt.Errorf("%w: hello without device id", ErrInvalidFrame)
		}
	case FrameHeartbeat:
	case FrameCommand:
		if f.Command == nil || f.Command.CommandID == "" || f.Command.IdempotencyKey == "" {
			return fmt.Errorf("%w: command without id or idempotency key", ErrInvalidFrame)
		}
	case FrameAck:
		if f.Ack == nil || f.Ack.CommandID == "" {
			return fmt.Errorf("%w: ack without command id", ErrInvalidFrame)
		}
		if !f.Ack.Status.Valid() {
			return fmt.Errorf("%w: unknown ack status %q", ErrInvalidFrame, f.Ack.Status)
		}
	case FrameStatus:
		if f.Status == nil {
			return fmt.Errorf("%w: status frame without report", ErrInvalidFrame)
		}
	case FrameClose:
		if f.Close == nil {
			return fmt.Errorf("%w: close frame without reason", ErrInvalidFrame)
		}
	default:
		return fmt.Errorf("%w: unknown frame type %q", ErrInvalidFrame, f.Type)
	}
	return nil
}

// NewHeartbeat builds a heartbeat frame stamped at now
func NewHeartbeat(now time.Time) *Frame {
	return &Frame{Type: FrameHeartbeat, SentAt: now}
}

// NewCloseFrame builds a close frame carrying reason
func NewCloseFrame(reason string, now time.Time) *Frame {
	return &Frame{Type: FrameClose, SentAt: now, Close: &Close{Reason: reason}}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
