package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/protocol"
	"github.com/go-fleetgate/fleetgate/internal/services"
)

// closeDisconnected is recorded when the device side dropped the connection
const closeDisconnected = "disconnected"

// Session is one device connection. The read loop runs on the goroutine that
// called Serve; dispatch and the watchdog run alongside it.
type Session struct {
	hub      *Hub
	conn     protocol.Conn
	deviceID string
	tokenID  string
	openedAt time.Time

	lastSeen atomic.Int64
	wake     chan struct{}
	done     chan struct{}

	closeOnce   sync.Once
	mu          sync.Mutex
	closeReason string
}

func newSession(h *Hub, conn protocol.Conn, device *models.Device) *Session {
	now := time.Now()
	s := &Session{
		hub:      h,
		conn:     conn,
		deviceID: device.DeviceID,
		tokenID:  device.ActiveTokenID,
		openedAt: now,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) run(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() { s.dispatchLoop(loopCtx) })
	wg.Go(func() { s.watchdog(loopCtx) })

	s.wakeup()
	s.readLoop(ctx)

	cancel()
	s.shutdown(closeDisconnected)
	wg.Wait()
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidFrame) {
				s.shutdown(protocol.CloseProtocolError)
			}
			return
		}
		s.lastSeen.Store(time.Now().UnixNano())

		switch frame.Type {
		case protocol.FrameHeartbeat:
			s.hub.metrics.RecordHeartbeat()
			if err := s.hub.devices.Touch(ctx, s.deviceID); err != nil {
				log.Printf("[Hub] failed to stamp heartbeat of %s: %v", s.deviceID, err)
			}
			_ = s.send(protocol.NewHeartbeat(time.Now().UTC()))
		case protocol.FrameAck:
			s.handleAck(ctx, frame.Ack)
		case protocol.FrameStatus:
			if err := s.hub.devices.RecordStatusReport(ctx, s.deviceID, frame.Status); err != nil {
				log.Printf("[Hub] failed to store status report of %s: %v", s.deviceID, err)
			}
		case protocol.FrameClose:
			s.setReason(frame.Close.Reason)
			return
		default:
			log.Printf("[Hub] unexpected %s frame from %s", frame.Type, s.deviceID)
			s.shutdown(protocol.CloseProtocolError)
			return
		}
	}
}

func (s *Session) handleAck(ctx context.Context, ack *protocol.Ack) {
	applied, err := s.hub.commands.ApplyAck(ctx, s.deviceID, ack)
	switch {
	case errors.Is(err, services.ErrCommandNotFound):
		log.Printf("[Hub] %s acked unknown command %s", s.deviceID, ack.CommandID)
	case err != nil:
		log.Printf("[Hub] failed to apply ack %s/%s from %s: %v", ack.CommandID, ack.Status, s.deviceID, err)
	case applied && ack.Status.IsTerminal():
		s.wakeup()
	}
}

// dispatchLoop sends queued commands when woken and on every dispatch interval,
// which also picks up commands enqueued through another hub instance.
func (s *Session) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.hub.opts.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		if err := s.dispatch(ctx); err != nil {
			if ctx.Err() == nil {
				log.Printf("[Hub] dispatch to %s failed: %v", s.deviceID, err)
			}
		}
	}
}

func (s *Session) dispatch(ctx context.Context) error {
	cmds, err := s.hub.commands.NextDispatch(ctx, s.deviceID, s.hub.opts.DispatchBatch)
	if err != nil {
		return err
	}
	for i := range cmds {
		cmd := &cmds[i]
		ok, err := s.hub.commands.MarkSent(ctx, cmd)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.send(commandFrame(cmd)); err != nil {
			// The teardown reverts the command to queued
			s.shutdown(closeTransportError)
			return err
		}
	}
	return nil
}

// watchdog retires the session once the device has been silent beyond the grace
// window, or once its token is no longer the active one.
func (s *Session) watchdog(ctx context.Context) {
	interval := s.hub.opts.HeartbeatGrace / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			silence := now.Sub(time.Unix(0, s.lastSeen.Load()))
			if silence > s.hub.opts.HeartbeatGrace {
				log.Printf("[Hub] %s silent for %s, closing", s.deviceID, silence.Truncate(time.Millisecond))
				s.shutdown(protocol.CloseHeartbeatTimeout)
				return
			}
			bound, err := s.hub.devices.StillBound(ctx, s.deviceID, s.tokenID)
			if err == nil && !bound {
				s.shutdown(protocol.CloseRevoked)
				return
			}
		}
	}
}

func (s *Session) send(f *protocol.Frame) error {
	return s.conn.WriteFrame(f)
}

func (s *Session) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// shutdown closes the connection once, recording the first reason given
func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.setReason(reason)
		_ = s.conn.Close(s.reason())
	})
}

func (s *Session) setReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
}

func (s *Session) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		return closeDisconnected
	}
	return s.closeReason
}
