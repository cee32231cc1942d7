// Package session keeps one live connection per device and moves commands and
// acknowledgements across it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/protocol"
	"github.com/go-fleetgate/fleetgate/internal/services"
)

// ErrHubClosed is returned by Serve once Shutdown has begun
var ErrHubClosed = errors.New("session hub is shutting down")

// ErrCredentialRevoked is returned by Serve when the device's token was
// rotated or revoked before its session took the slot
var ErrCredentialRevoked = errors.New("device credential no longer active")

// closeTransportError is used when a write to the device fails
const closeTransportError = "transport_error"

const teardownTimeout = 5 * time.Second

// Options tunes session timing; zero values take the defaults below
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	HandshakeTimeout  time.Duration
	DispatchInterval  time.Duration
	DispatchBatch     int
}

// OptionsFromConfig derives hub timing from the server configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatGrace:    cfg.HeartbeatGrace(),
		HandshakeTimeout:  cfg.HandshakeTimeout,
		DispatchInterval:  cfg.SchedulerInterval,
		DispatchBatch:     cfg.DispatchBatchLimit,
	}
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatGrace <= 0 {
		o.HeartbeatGrace = 3 * o.HeartbeatInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = 5 * time.Second
	}
	if o.DispatchBatch <= 0 {
		o.DispatchBatch = 50
	}
	return o
}

// Hub owns the device sessions served by this instance. Each device has at most
// one session; a new connection supersedes the previous one.
type Hub struct {
	devices  *services.DeviceService
	commands *services.CommandService
	audit    *services.AuditService
	metrics  metrics.Recorder
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

func NewHub(
	devices *services.DeviceService,
	commands *services.CommandService,
	audit *services.AuditService,
	m metrics.Recorder,
	opts Options,
) *Hub {
	return &Hub{
		devices:  devices,
		commands: commands,
		audit:    audit,
		metrics:  m,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Serve runs the session of an authenticated device until the connection ends.
// The device must send hello within the handshake timeout.
func (h *Hub) Serve(ctx context.Context, conn protocol.Conn, device *models.Device) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		_ = conn.Close(protocol.CloseShutdown)
		return ErrHubClosed
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	hello, err := h.handshake(conn, device.DeviceID)
	if err != nil {
		return err
	}

	s := newSession(h, conn, device)
	h.attach(ctx, s)
	defer h.detach(ctx, s)

	// A rotation between authentication and attach found no session to end
	bound, err := h.devices.StillBound(ctx, s.deviceID, s.tokenID)
	if err != nil {
		log.Printf("[Hub] failed to check credential of %s: %v", s.deviceID, err)
	} else if !bound {
		s.shutdown(protocol.CloseRevoked)
		return ErrCredentialRevoked
	}

	if err := h.devices.MarkOnline(ctx, s.deviceID, hello); err != nil {
		log.Printf("[Hub] failed to mark %s online: %v", s.deviceID, err)
	}
	if n, err := h.commands.ResumeInProgress(ctx, s.deviceID); err != nil {
		log.Printf("[Hub] failed to resume in-progress commands of %s: %v", s.deviceID, err)
	} else if n > 0 {
		log.Printf("[Hub] %d in-progress commands of %s due for redelivery", n, s.deviceID)
	}
	reply := &protocol.Frame{
		Type:   protocol.FrameHello,
		SentAt: time.Now().UTC(),
		Hello: &protocol.Hello{
			DeviceID:           s.deviceID,
			TransferGeneration: device.TransferGeneration,
		},
	}
	if err := conn.WriteFrame(reply); err != nil {
		s.shutdown(closeTransportError)
		return err
	}

	h.metrics.RecordSessionOpened()
	h.audit.Log(ctx, services.AuditLogEntry{
		EventType:    models.EventSessionOpened,
		ActorID:      s.deviceID,
		ActorRole:    services.ActorHub,
		ResourceType: models.ResourceSession,
		ResourceID:   s.deviceID,
		Action:       "Device session opened",
		Details: models.AuditDetails{
			"remote_addr":   conn.RemoteAddr(),
			"agent_version": hello.AgentVersion,
		},
		Success: true,
	})
	log.Printf("[Hub] %s connected from %s", s.deviceID, conn.RemoteAddr())

	s.run(ctx)
	return nil
}

func (h *Hub) handshake(conn protocol.Conn, deviceID string) (*protocol.Hello, error) {
	timer := time.AfterFunc(h.opts.HandshakeTimeout, func() {
		_ = conn.Close(protocol.CloseHandshakeTimeout)
	})
	frame, err := conn.ReadFrame()
	if !timer.Stop() {
		return nil, fmt.Errorf("%s: no hello within %s", deviceID, h.opts.HandshakeTimeout)
	}
	if err != nil {
		_ = conn.Close(protocol.CloseProtocolError)
		return nil, err
	}
	if frame.Type != protocol.FrameHello || frame.Hello.DeviceID != deviceID {
		_ = conn.Close(protocol.CloseProtocolError)
		return nil, fmt.Errorf("%w: expected hello from %s", protocol.ErrInvalidFrame, deviceID)
	}
	return frame.Hello, nil
}

// attach installs s as the device's session, closing and waiting out any previous one
func (h *Hub) attach(ctx context.Context, s *Session) {
	h.mu.Lock()
	previous := h.sessions[s.deviceID]
	h.sessions[s.deviceID] = s
	h.mu.Unlock()

	if previous == nil {
		return
	}
	previous.shutdown(protocol.CloseSuperseded)
	select {
	case <-previous.done:
	case <-ctx.Done():
	}
	h.audit.Log(ctx, services.AuditLogEntry{
		EventType:    models.EventSessionSuperseded,
		Severity:     models.SeverityWarning,
		ActorID:      s.deviceID,
		ActorRole:    services.ActorHub,
		ResourceType: models.ResourceSession,
		ResourceID:   s.deviceID,
		Action:       "Device session superseded by a new connection",
		Success:      true,
	})
}

// detach releases the slot and returns the session's unacknowledged commands to the queue
func (h *Hub) detach(ctx context.Context, s *Session) {
	defer close(s.done)

	h.mu.Lock()
	current := h.sessions[s.deviceID] == s
	if current {
		delete(h.sessions, s.deviceID)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if _, err := h.commands.RevertSent(ctx, s.deviceID); err != nil {
		log.Printf("[Hub] failed to revert sent commands of %s: %v", s.deviceID, err)
	}
	if current {
		if err := h.devices.MarkOffline(ctx, s.deviceID); err != nil {
			log.Printf("[Hub] failed to mark %s offline: %v", s.deviceID, err)
		}
	}

	reason := s.reason()
	h.metrics.RecordSessionClosed(reason, time.Since(s.openedAt))
	h.audit.Log(ctx, services.AuditLogEntry{
		EventType:    models.EventSessionClosed,
		ActorID:      s.deviceID,
		ActorRole:    services.ActorHub,
		ResourceType: models.ResourceSession,
		ResourceID:   s.deviceID,
		Action:       "Device session closed",
		Details:      models.AuditDetails{"reason": reason},
		Success:      true,
	})
	log.Printf("[Hub] %s disconnected (%s)", s.deviceID, reason)
}

func (h *Hub) session(deviceID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[deviceID]
}

// IsConnected reports whether this instance holds a session for the device
func (h *Hub) IsConnected(deviceID string) bool {
	return h.session(deviceID) != nil
}

// ConnectedCount returns the number of live sessions on this instance
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// NotifyCommand wakes the dispatcher of the device's session, if any
func (h *Hub) NotifyCommand(deviceID string) {
	if s := h.session(deviceID); s != nil {
		s.wakeup()
	}
}

// Deliver pushes an already-sent command to the device again. It reports false
// when the device holds no session on this instance.
func (h *Hub) Deliver(cmd *models.Command) (bool, error) {
	s := h.session(cmd.DeviceID)
	if s == nil {
		return false, nil
	}
	if err := s.send(commandFrame(cmd)); err != nil {
		return false, err
	}
	return true, nil
}

// DisconnectDevice closes the device's session with reason and waits for its
// teardown. It reports whether a session existed.
func (h *Hub) DisconnectDevice(ctx context.Context, deviceID, reason string) bool {
	s := h.session(deviceID)
	if s == nil {
		return false
	}
	s.shutdown(reason)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return true
}

// Shutdown closes every session and waits for them to finish
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.shutdown(protocol.CloseShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[Hub] closed %d session(s)", len(sessions))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session hub shutdown: %w", ctx.Err())
	}
}

func commandFrame(cmd *models.Command) *protocol.Frame {
	return &protocol.Frame{
		Type:   protocol.FrameCommand,
		SentAt: time.Now().UTC(),
		Command: &protocol.Command{
			CommandID:      cmd.ID,
			IdempotencyKey: cmd.IdempotencyKey,
			Type:           cmd.Type,
			Payload:        []byte(cmd.Payload),
			ExpiresAt:      cmd.ExpiresAt.UTC(),
			Attempt:        cmd.RetryCount + 1,
		},
	}
}
