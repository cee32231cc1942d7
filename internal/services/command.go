package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/protocol"
	"github.com/go-fleetgate/fleetgate/internal/retry"
	"github.com/go-fleetgate/fleetgate/internal/store"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DiagnosticMaxRetries is recorded on commands that exhausted their redeliveries
const DiagnosticMaxRetries = "max_retries_exceeded"

const maxIdempotencyKeyLength = 128

var (
	commandTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)
	commandIDPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,63}$`)
)

// Notifier is told when a device has new work queued
type Notifier interface {
	NotifyCommand(deviceID string)
}

// CommandService owns the command queue and its state machine.
// Every transition is a compare-and-set on (command_id, state).
type CommandService struct {
	store    *store.Store
	config   *config.Config
	audit    *AuditService
	metrics  metrics.Recorder
	notifier Notifier
	backoff  retry.Policy
	now      func() time.Time
}

func NewCommandService(
	s *store.Store,
	cfg *config.Config,
	audit *AuditService,
	m metrics.Recorder,
) *CommandService {
	return &CommandService{
		store:   s,
		config:  cfg,
		audit:   audit,
		metrics: m,
		backoff: retry.Policy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay, Multiplier: 2},
		now:     time.Now,
	}
}

// SetNotifier wires the session hub once it exists
func (s *CommandService) SetNotifier(n Notifier) {
	s.notifier = n
}

// EnqueueRequest is a command envelope from an administrative caller.
// CommandID and ExpiresAt are optional; TTL applies when ExpiresAt is nil.
type EnqueueRequest struct {
	CommandID      string
	DeviceID       string
	IdempotencyKey string
	Type           string
	Payload        json.RawMessage
	TTL            time.Duration
	ExpiresAt      *time.Time
	IssuedBy       string

	// RequireConnected refuses the command unless some hub holds a session for the device
	RequireConnected bool
}

// EnqueueResult reports the command holding the idempotency key
type EnqueueResult struct {
	Command      *models.Command
	Deduplicated bool
}

// Enqueue appends a command for the device. A live command holding the same
// idempotency key is returned instead of creating a second one.
func (s *CommandService) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	now := s.now()
	expiresAt, err := s.validate(&req, now)
	if err != nil {
		return nil, err
	}

	device, err := s.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	if device.IsDecommissioned() {
		return nil, ErrDeviceDecommissioned
	}
	if device.Status == models.DeviceStatusUnclaimed {
		return nil, ErrDeviceNotClaimed
	}
	if req.RequireConnected && !device.Connected {
		return nil, ErrDeviceUnreachable
	}

	existing, err := s.liveByKey(ctx, req.DeviceID, req.IdempotencyKey, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.metrics.RecordCommandEnqueued(existing.Type, true)
		return &EnqueueResult{Command: existing, Deduplicated: true}, nil
	}

	if req.CommandID == "" {
		req.CommandID = uuid.New().String()
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	cmd := &models.Command{
		ID:             req.CommandID,
		DeviceID:       req.DeviceID,
		IdempotencyKey: req.IdempotencyKey,
		Type:           req.Type,
		State:          models.CommandQueued,
		Payload:        datatypes.JSON(payload),
		IssuedBy:       req.IssuedBy,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
	}

	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		if !errors.Is(err, store.ErrDuplicateCommand) {
			s.metrics.RecordDatabaseQueryError("create_command")
			return nil, err
		}
		// Lost a race for the idempotency key, or the command ID is taken
		existing, lookupErr := s.store.FindLiveCommandByKey(ctx, req.DeviceID, req.IdempotencyKey)
		if lookupErr != nil {
			return nil, ErrDuplicateCommandID
		}
		s.metrics.RecordCommandEnqueued(existing.Type, true)
		return &EnqueueResult{Command: existing, Deduplicated: true}, nil
	}

	s.metrics.RecordCommandEnqueued(cmd.Type, false)
	s.audit.Log(ctx, AuditLogEntry{
		EventType:    models.EventCommandIssued,
		ResourceType: models.ResourceCommand,
		ResourceID:   cmd.ID,
		ResourceName: cmd.Type,
		Action:       "Command issued",
		Details: models.AuditDetails{
			"device_id":       cmd.DeviceID,
			"idempotency_key": cmd.IdempotencyKey,
			"expires_at":      cmd.ExpiresAt,
		},
		Success: true,
	})

	if s.notifier != nil {
		s.notifier.NotifyCommand(cmd.DeviceID)
	}
	return &EnqueueResult{Command: cmd}, nil
}

func (s *CommandService) validate(req *EnqueueRequest, now time.Time) (time.Time, error) {
	if !commandTypePattern.MatchString(req.Type) {
		return time.Time{}, fmt.Errorf("%w: type must match %s", ErrInvalidCommand, commandTypePattern)
	}
	if req.IdempotencyKey == "" || len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		return time.Time{}, fmt.Errorf(
			"%w: idempotency_key must be 1-%d characters", ErrInvalidCommand, maxIdempotencyKeyLength,
		)
	}
	if req.CommandID != "" && !commandIDPattern.MatchString(req.CommandID) {
		return time.Time{}, fmt.Errorf("%w: malformed command_id", ErrInvalidCommand)
	}
	if len(req.Payload) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(req.Payload, &obj); err != nil {
			return time.Time{}, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidCommand)
		}
	}

	var expiresAt time.Time
	switch {
	case req.ExpiresAt != nil:
		expiresAt = *req.ExpiresAt
		if !expiresAt.After(now) {
			return time.Time{}, ErrCommandExpired
		}
	case req.TTL < 0:
		return time.Time{}, fmt.Errorf("%w: ttl must be positive", ErrInvalidCommand)
	case req.TTL == 0:
		expiresAt = now.Add(s.config.CommandDefaultTTL)
	default:
		expiresAt = now.Add(req.TTL)
	}
	if s.config.CommandMaxTTL > 0 && expiresAt.Sub(now) > s.config.CommandMaxTTL {
		return time.Time{}, fmt.Errorf("%w: ttl exceeds %s", ErrInvalidCommand, s.config.CommandMaxTTL)
	}
	return expiresAt, nil
}

// liveByKey returns the live command holding the key. One whose TTL already
// elapsed is expired on the spot so it no longer blocks the key.
func (s *CommandService) liveByKey(ctx context.Context, deviceID, key string, now time.Time) (*models.Command, error) {
	existing, err := s.store.FindLiveCommandByKey(ctx, deviceID, key)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil //nolint:nilnil // absence is not an error here
		}
		return nil, err
	}
	if !existing.IsExpiredAt(now) {
		return existing, nil
	}
	if _, err := s.expire(ctx, existing, now); err != nil {
		return nil, err
	}
	return nil, nil //nolint:nilnil // expired command released the key
}

// GetCommand returns a command addressed to deviceID
func (s *CommandService) GetCommand(ctx context.Context, deviceID, commandID string) (*models.Command, error) {
	cmd, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}
	if cmd.DeviceID != deviceID {
		return nil, ErrCommandNotFound
	}
	return cmd, nil
}

// NextDispatch expires the device's overdue commands and returns the queued ones
// ready to send, oldest first.
func (s *CommandService) NextDispatch(ctx context.Context, deviceID string, limit int) ([]models.Command, error) {
	now := s.now()
	if _, err := s.ExpireOverdue(ctx, deviceID, now, limit); err != nil {
		return nil, err
	}
	return s.store.ListDispatchableCommands(ctx, deviceID, now, limit)
}

// MarkSent moves a queued command to sent and arms its ack deadline.
// It reports false if the command left queued or expired in the meantime.
func (s *CommandService) MarkSent(ctx context.Context, cmd *models.Command) (bool, error) {
	now := s.now()
	deadline := now.Add(s.config.AckTimeout)
	ok, err := s.store.TransitionCommand(ctx, cmd.ID,
		[]models.CommandState{models.CommandQueued}, models.CommandSent,
		map[string]any{"sent_at": now, "next_attempt_at": deadline},
		now,
	)
	if err != nil || !ok {
		return ok, err
	}
	cmd.State = models.CommandSent
	cmd.SentAt = &now
	cmd.NextAttemptAt = &deadline
	s.metrics.RecordCommandTransition(string(models.CommandSent))
	s.metrics.RecordCommandDelivery(cmd.RetryCount > 0)
	return true, nil
}

// MarkRedelivered counts another delivery of a sent, received or running command
// and pushes its deadline out by the matching timeout plus a jittered backoff.
// The state is kept, so progress the device already reported is not lost.
func (s *CommandService) MarkRedelivered(ctx context.Context, cmd *models.Command, now time.Time) (bool, error) {
	wait := s.config.AckTimeout
	if cmd.State != models.CommandSent {
		wait = s.progressTimeout()
	}
	deadline := now.Add(wait + s.backoff.FullJitter(cmd.RetryCount))
	ok, err := s.store.TransitionCommand(ctx, cmd.ID,
		[]models.CommandState{cmd.State}, cmd.State,
		map[string]any{
			"retry_count":     cmd.RetryCount + 1,
			"sent_at":         now,
			"next_attempt_at": deadline,
		},
		now,
	)
	if err != nil || !ok {
		return ok, err
	}
	cmd.RetryCount++
	cmd.SentAt = &now
	cmd.NextAttemptAt = &deadline
	s.metrics.RecordCommandDelivery(true)
	return true, nil
}

// Postpone moves the redelivery deadline of an in-progress command out by the
// progress timeout without counting a delivery
func (s *CommandService) Postpone(ctx context.Context, cmd *models.Command, now time.Time) (bool, error) {
	deadline := now.Add(s.progressTimeout())
	ok, err := s.store.TransitionCommand(ctx, cmd.ID,
		[]models.CommandState{cmd.State}, cmd.State,
		map[string]any{"next_attempt_at": deadline},
		now,
	)
	if err == nil && ok {
		cmd.NextAttemptAt = &deadline
	}
	return ok, err
}

func (s *CommandService) progressTimeout() time.Duration {
	if s.config.ProgressTimeout > 0 {
		return s.config.ProgressTimeout
	}
	return s.config.AckTimeout
}

// FailExhausted marks a command that used up its redeliveries as failed
func (s *CommandService) FailExhausted(ctx context.Context, cmd *models.Command, now time.Time) (bool, error) {
	ok, err := s.store.TransitionCommand(ctx, cmd.ID,
		[]models.CommandState{cmd.State}, models.CommandFailed,
		map[string]any{"error_message": DiagnosticMaxRetries, "next_attempt_at": nil},
		now,
	)
	if err != nil || !ok {
		return ok, err
	}
	s.metrics.RecordCommandTransition(string(models.CommandFailed))
	s.audit.Log(context.WithoutCancel(ctx), AuditLogEntry{
		EventType:    models.EventCommandFailed,
		Severity:     models.SeverityWarning,
		ResourceType: models.ResourceCommand,
		ResourceID:   cmd.ID,
		ResourceName: cmd.Type,
		Action:       "Command failed",
		Details:      models.AuditDetails{"device_id": cmd.DeviceID, "retry_count": cmd.RetryCount},
		Success:      false,
		ErrorMessage: DiagnosticMaxRetries,
	})
	return true, nil
}

// Requeue returns a sent command to the queue, used when its device is not connected here
func (s *CommandService) Requeue(ctx context.Context, cmd *models.Command, now time.Time) (bool, error) {
	return s.store.TransitionCommand(ctx, cmd.ID,
		[]models.CommandState{models.CommandSent}, models.CommandQueued,
		map[string]any{"sent_at": nil, "next_attempt_at": nil},
		now,
	)
}

// RevertSent returns every sent command of the device to the queue after a disconnect
func (s *CommandService) RevertSent(ctx context.Context, deviceID string) (int64, error) {
	n, err := s.store.RevertSentCommands(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[Command] reverted %d sent command(s) of %s to queued", n, deviceID)
	}
	return n, nil
}

// ResumeInProgress makes the device's received and running commands due for
// redelivery, called when the device connects
func (s *CommandService) ResumeInProgress(ctx context.Context, deviceID string) (int64, error) {
	return s.store.ResumeInProgressCommands(ctx, deviceID, s.now())
}

// ListAckOverdue returns sent, received and running commands whose deadline has passed
func (s *CommandService) ListAckOverdue(ctx context.Context, now time.Time, limit int) ([]models.Command, error) {
	return s.store.ListAckOverdueCommands(ctx, now, limit)
}

// ApplyAck advances a command from a device acknowledgement. Transitions only move
// forward along the lifecycle, so duplicated or reordered acks are ignored.
// It reports whether the command changed state.
func (s *CommandService) ApplyAck(ctx context.Context, deviceID string, ack *protocol.Ack) (bool, error) {
	cmd, err := s.GetCommand(ctx, deviceID, ack.CommandID)
	if err != nil {
		return false, err
	}
	target, ok := ackTarget(ack.Status)
	if !ok {
		return false, fmt.Errorf("%w: ack status %q", ErrInvalidCommand, ack.Status)
	}
	if cmd.State.IsTerminal() {
		return false, nil
	}
	now := s.now()
	if target.Rank() <= cmd.State.Rank() {
		// Progress without a transition still proves the device is working on it
		if !target.IsTerminal() && cmd.State != models.CommandSent {
			if err := s.refreshProgress(ctx, cmd, now); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	from := predecessors(target)
	updates := map[string]any{"last_ack_at": now, "next_attempt_at": nil}
	if !target.IsTerminal() {
		updates["next_attempt_at"] = now.Add(s.progressTimeout())
		updates["retry_count"] = 0
	} else {
		if len(ack.Result) > 0 && json.Valid(ack.Result) {
			updates["result"] = datatypes.JSON(ack.Result)
		}
		if ack.Error != "" {
			updates["error_message"] = ack.Error
		}
	}

	applied, err := s.store.TransitionCommand(ctx, cmd.ID, from, target, updates, now)
	if err != nil {
		return false, err
	}
	if !applied {
		if target != models.CommandExpired && cmd.IsExpiredAt(now) {
			_, err := s.expire(ctx, cmd, now)
			return false, err
		}
		return false, nil
	}

	s.metrics.RecordCommandTransition(string(target))
	var latency time.Duration
	if cmd.SentAt != nil {
		latency = now.Sub(*cmd.SentAt)
	}
	s.metrics.RecordCommandAck(string(ack.Status), latency)
	if target.IsTerminal() {
		s.auditTerminal(ctx, cmd, target, ack.Error)
	}
	return true, nil
}

func (s *CommandService) refreshProgress(ctx context.Context, cmd *models.Command, now time.Time) error {
	_, err := s.store.TransitionCommand(ctx, cmd.ID,
		[]models.CommandState{cmd.State}, cmd.State,
		map[string]any{
			"last_ack_at":     now,
			"next_attempt_at": now.Add(s.progressTimeout()),
			"retry_count":     0,
		},
		now,
	)
	return err
}

func ackTarget(status protocol.AckStatus) (models.CommandState, bool) {
	switch status {
	case protocol.AckReceived:
		return models.CommandReceived, true
	case protocol.AckRunning:
		return models.CommandRunning, true
	case protocol.AckSucceeded:
		return models.CommandSucceeded, true
	case protocol.AckFailed:
		return models.CommandFailed, true
	case protocol.AckExpired:
		return models.CommandExpired, true
	}
	return "", false
}

// predecessors lists the live states ranked below target
func predecessors(target models.CommandState) []models.CommandState {
	var from []models.CommandState
	for _, state := range models.NonTerminalCommandStates {
		if state.Rank() < target.Rank() {
			from = append(from, state)
		}
	}
	return from
}

// ExpireOverdue expires live commands whose TTL elapsed at now. An empty deviceID
// covers the whole fleet. It returns how many commands this call expired.
func (s *CommandService) ExpireOverdue(ctx context.Context, deviceID string, now time.Time, limit int) (int, error) {
	overdue, err := s.store.ListOverdueCommands(ctx, deviceID, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range overdue {
		ok, err := s.expire(ctx, &overdue[i], now)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *CommandService) expire(ctx context.Context, cmd *models.Command, now time.Time) (bool, error) {
	ok, err := s.store.TransitionCommand(ctx, cmd.ID,
		models.NonTerminalCommandStates, models.CommandExpired,
		map[string]any{"error_message": "ttl elapsed", "next_attempt_at": nil},
		now,
	)
	if err != nil || !ok {
		return ok, err
	}
	s.metrics.RecordCommandTransition(string(models.CommandExpired))
	s.auditTerminal(ctx, cmd, models.CommandExpired, "ttl elapsed")
	return true, nil
}

func (s *CommandService) auditTerminal(ctx context.Context, cmd *models.Command, state models.CommandState, reason string) {
	entry := AuditLogEntry{
		ResourceType: models.ResourceCommand,
		ResourceID:   cmd.ID,
		ResourceName: cmd.Type,
		Details:      models.AuditDetails{"device_id": cmd.DeviceID, "state": string(state)},
		ErrorMessage: reason,
	}
	switch state {
	case models.CommandSucceeded:
		entry.EventType = models.EventCommandCompleted
		entry.Action = "Command succeeded"
		entry.Success = true
	case models.CommandFailed:
		entry.EventType = models.EventCommandFailed
		entry.Severity = models.SeverityWarning
		entry.Action = "Command failed"
	default:
		entry.EventType = models.EventCommandExpired
		entry.Severity = models.SeverityWarning
		entry.Action = "Command expired"
	}
	s.audit.Log(context.WithoutCancel(ctx), entry)
}

// PurgeTerminal deletes finished commands completed more than retention ago
func (s *CommandService) PurgeTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.DeleteTerminalCommandsBefore(ctx, s.now().Add(-retention))
}
