package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/protocol"
	"github.com/go-fleetgate/fleetgate/internal/retry"
	"github.com/go-fleetgate/fleetgate/internal/version"

	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned when a frame is sent with no session up
var ErrNotConnected = errors.New("agent: no session to the hub")

// Dialer opens a session transport to the hub
type Dialer func(ctx context.Context) (protocol.Conn, error)

// WSDialer dials the hub over WebSocket with the device token
func WSDialer(url, token string, writeTimeout time.Duration) Dialer {
	return func(ctx context.Context) (protocol.Conn, error) {
		return protocol.Dial(ctx, url, token, writeTimeout)
	}
}

// Agent keeps one outbound session to the hub and feeds delivered commands to
// a single worker. Commands keep executing while the hub is unreachable; their
// acks are replayed from the ledger when the hub redelivers.
type Agent struct {
	deviceID     string
	capabilities []string
	heartbeat    time.Duration
	retention    time.Duration
	backoff      retry.Policy

	ledger   *Ledger
	executor *Executor
	dial     Dialer
	log      logrus.FieldLogger
	queue    chan *protocol.Command

	mu   sync.Mutex
	conn protocol.Conn
}

func New(opts *Options, ledger *Ledger, executor *Executor, dial Dialer, log logrus.FieldLogger) *Agent {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	base, maxDelay := opts.ReconnectBase, opts.ReconnectMax
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Agent{
		deviceID:     opts.DeviceID,
		capabilities: opts.Capabilities,
		heartbeat:    opts.HeartbeatInterval,
		retention:    opts.LedgerRetention,
		backoff:      retry.Policy{Base: base, Max: maxDelay, Multiplier: 2},
		ledger:       ledger,
		executor:     executor,
		dial:         dial,
		log:          log.WithField("component", "agent"),
		queue:        make(chan *protocol.Command, queueSize),
	}
}

// Run connects, serves sessions and reconnects until ctx is cancelled
func (a *Agent) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Go(func() { a.work(ctx) })
	defer wg.Wait()

	a.prune(ctx)

	attempt := 0
	for ctx.Err() == nil {
		conn, err := a.dial(ctx)
		if err != nil {
			var dialErr *protocol.DialError
			entry := a.log.WithError(err).WithField("attempt", attempt+1)
			if errors.As(err, &dialErr) && dialErr.Unauthorized() {
				entry.Warn("hub rejected the device token")
			} else {
				entry.Info("hub unreachable, continuing offline")
			}
			if !sleep(ctx, a.backoff.FullJitter(attempt)) {
				break
			}
			attempt++
			continue
		}

		started := time.Now()
		reason, err := a.session(ctx, conn)
		entry := a.log.WithField("duration", time.Since(started).Round(time.Millisecond))
		switch {
		case ctx.Err() != nil:
		case reason != "":
			entry.WithField("reason", reason).Info("hub closed the session")
		default:
			entry.WithError(err).Info("session lost")
		}

		// A session that held beyond a few heartbeats resets the backoff
		if time.Since(started) > 3*a.heartbeat {
			attempt = 0
		}
		if !sleep(ctx, a.backoff.FullJitter(attempt)) {
			break
		}
		attempt++
	}
	a.log.Info("agent stopped")
	return nil
}

// session runs one connection: hello, heartbeats and the read loop. It returns
// the close reason when the hub ended the session.
func (a *Agent) session(ctx context.Context, conn protocol.Conn) (string, error) {
	hello := &protocol.Hello{
		DeviceID:     a.deviceID,
		AgentVersion: version.String(),
		Capabilities: a.capabilities,
	}
	if report, err := Snapshot(ctx, a.ledger); err == nil {
		hello.Status = report
	} else {
		a.log.WithError(err).Warn("status snapshot unavailable for hello")
	}
	if err := conn.WriteFrame(&protocol.Frame{Type: protocol.FrameHello, SentAt: time.Now().UTC(), Hello: hello}); err != nil {
		_ = conn.Close("")
		return "", err
	}

	a.setConn(conn)
	defer a.clearConn(conn)

	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Go(func() { a.heartbeatLoop(sessionCtx, conn) })
	wg.Go(func() {
		<-sessionCtx.Done()
		if ctx.Err() != nil {
			_ = conn.Close(protocol.CloseShutdown)
		}
	})

	a.log.Info("session established")
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			_ = conn.Close("")
			return "", err
		}
		switch frame.Type {
		case protocol.FrameHello:
			if frame.Hello == nil {
				continue
			}
			if err := a.ledger.SetTransferGeneration(ctx, frame.Hello.TransferGeneration); err != nil {
				a.log.WithError(err).Warn("failed to store transfer generation")
			}
		case protocol.FrameCommand:
			// A redelivery of the command being executed is answered here,
			// the worker is busy with it
			if frame.Command != nil && a.executor.Acknowledge(frame.Command, a.SendAck) {
				continue
			}
			a.enqueue(frame.Command)
		case protocol.FrameClose:
			_ = conn.Close("")
			if frame.Close == nil {
				return "", nil
			}
			return frame.Close.Reason, nil
		case protocol.FrameHeartbeat:
		default:
			a.log.WithField("type", frame.Type).Debug("ignoring unexpected frame")
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, conn protocol.Conn) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := conn.WriteFrame(protocol.NewHeartbeat(now.UTC())); err != nil {
				_ = conn.Close("")
				return
			}
		}
	}
}

func (a *Agent) enqueue(cmd *protocol.Command) {
	select {
	case a.queue <- cmd:
	default:
		// The hub redelivers once the ack deadline passes
		a.log.WithField("command_id", cmd.CommandID).Warn("command queue full, dropping delivery")
	}
}

func (a *Agent) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.queue:
			if err := a.executor.Execute(ctx, cmd, a.SendAck); err != nil {
				a.log.WithError(err).WithField("command_id", cmd.CommandID).Error("command execution error")
			}
		}
	}
}

// SendAck writes an ack to the current session
func (a *Agent) SendAck(ack *protocol.Ack) error {
	return a.write(&protocol.Frame{Type: protocol.FrameAck, SentAt: time.Now().UTC(), Ack: ack})
}

// PublishStatus writes a status frame to the current session
func (a *Agent) PublishStatus(report *protocol.StatusReport) error {
	return a.write(&protocol.Frame{Type: protocol.FrameStatus, SentAt: time.Now().UTC(), Status: report})
}

func (a *Agent) write(frame *protocol.Frame) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(frame)
}

func (a *Agent) setConn(conn protocol.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *Agent) clearConn(conn protocol.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
}

func (a *Agent) prune(ctx context.Context) {
	if a.retention <= 0 {
		return
	}
	n, err := a.ledger.Prune(ctx, time.Now().Add(-a.retention))
	if err != nil {
		a.log.WithError(err).Warn("ledger prune failed")
		return
	}
	if n > 0 {
		a.log.WithField("removed", n).Info("pruned finished executions")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
