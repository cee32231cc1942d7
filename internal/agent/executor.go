package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/protocol"

	"github.com/sirupsen/logrus"
)

// DiagnosticInterrupted marks an execution cut short by an agent restart
const DiagnosticInterrupted = "interrupted_by_restart"

// ErrUnknownCommand is returned for command types without a handler
var ErrUnknownCommand = errors.New("unknown command type")

// Handler performs one command and returns its JSON result
type Handler func(ctx context.Context, cmd *protocol.Command) (json.RawMessage, error)

// AckSender delivers an ack to the hub; errors are logged, the ledger keeps the outcome
type AckSender func(ack *protocol.Ack) error

// Executor runs commands at most once per idempotency key. Execute and
// Acknowledge are safe for concurrent callers.
type Executor struct {
	ledger   *Ledger
	handlers map[string]Handler
	log      logrus.FieldLogger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]protocol.AckStatus
}

func NewExecutor(ledger *Ledger, log logrus.FieldLogger) *Executor {
	return &Executor{
		ledger:   ledger,
		handlers: make(map[string]Handler),
		log:      log.WithField("component", "executor"),
		now:      time.Now,
		inflight: make(map[string]protocol.AckStatus),
	}
}

// Handle registers h for commands of type t
func (e *Executor) Handle(t string, h Handler) {
	e.handlers[t] = h
}

// Execute processes one delivered command. A key already finished resends its
// recorded terminal ack, a key in flight gets its progress ack, and a key left
// unfinished by a previous process is closed as failed rather than run twice.
func (e *Executor) Execute(ctx context.Context, cmd *protocol.Command, send AckSender) error {
	now := e.now().UTC()
	log := e.log.WithFields(logrus.Fields{"command_id": cmd.CommandID, "key": cmd.IdempotencyKey, "type": cmd.Type})

	// Concurrent deliveries of one key: the first runs it, the rest report progress
	for !e.claim(cmd.IdempotencyKey) {
		if e.Acknowledge(cmd, send) {
			return nil
		}
	}
	defer e.untrack(cmd.IdempotencyKey)

	existing, err := e.ledger.Lookup(ctx, cmd.IdempotencyKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return e.replay(ctx, cmd, existing, send, log)
	}

	if !cmd.ExpiresAt.IsZero() && !now.Before(cmd.ExpiresAt) {
		log.Info("command expired before execution")
		if err := e.ledger.Finish(ctx, cmd, protocol.AckExpired, nil, "expired before execution", now); err != nil {
			return err
		}
		e.send(send, &protocol.Ack{
			CommandID: cmd.CommandID, IdempotencyKey: cmd.IdempotencyKey,
			Status: protocol.AckExpired, Error: "expired before execution", At: now,
		}, log)
		return nil
	}

	exec, created, err := e.ledger.Begin(ctx, cmd, now)
	if err != nil {
		return err
	}
	if !created {
		return e.replay(ctx, cmd, exec, send, log)
	}

	e.send(send, e.progress(cmd, protocol.AckReceived), log)
	if err := e.ledger.MarkRunning(ctx, cmd.IdempotencyKey); err != nil {
		return err
	}
	e.track(cmd.IdempotencyKey, protocol.AckRunning)
	e.send(send, e.progress(cmd, protocol.AckRunning), log)

	result, runErr := e.run(ctx, cmd)
	status := protocol.AckSucceeded
	errMsg := ""
	if runErr != nil {
		status = protocol.AckFailed
		errMsg = runErr.Error()
		result = diagnostic(cmd.Type, runErr)
		log.WithError(runErr).Warn("command failed")
	} else {
		log.Info("command succeeded")
	}

	finished := e.now().UTC()
	if err := e.ledger.Finish(ctx, cmd, status, result, errMsg, finished); err != nil {
		return err
	}
	e.send(send, &protocol.Ack{
		CommandID: cmd.CommandID, IdempotencyKey: cmd.IdempotencyKey,
		Status: status, Result: result, Error: errMsg, At: finished,
	}, log)
	return nil
}

func (e *Executor) replay(
	ctx context.Context,
	cmd *protocol.Command,
	exec *Execution,
	send AckSender,
	log logrus.FieldLogger,
) error {
	now := e.now().UTC()
	if exec.Terminal() {
		log.WithField("status", exec.Status).Debug("duplicate delivery, resending recorded ack")
		e.send(send, exec.Ack(cmd.CommandID, now), log)
		return nil
	}

	log.Warn("execution was interrupted, closing it as failed")
	if err := e.ledger.Finish(ctx, cmd, protocol.AckFailed, nil, DiagnosticInterrupted, now); err != nil {
		return err
	}
	e.send(send, &protocol.Ack{
		CommandID: cmd.CommandID, IdempotencyKey: cmd.IdempotencyKey,
		Status: protocol.AckFailed, Error: DiagnosticInterrupted, At: now,
	}, log)
	return nil
}

// Acknowledge answers a redelivery of a command this process is executing with
// its current progress ack. It reports false when the key is not in flight.
func (e *Executor) Acknowledge(cmd *protocol.Command, send AckSender) bool {
	e.mu.Lock()
	status, ok := e.inflight[cmd.IdempotencyKey]
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.send(send, e.progress(cmd, status), e.log.WithField("command_id", cmd.CommandID))
	return true
}

// claim marks key in flight unless another caller holds it
func (e *Executor) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.inflight[key]; held {
		return false
	}
	e.inflight[key] = protocol.AckReceived
	return true
}

func (e *Executor) track(key string, status protocol.AckStatus) {
	e.mu.Lock()
	e.inflight[key] = status
	e.mu.Unlock()
}

func (e *Executor) untrack(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

// run invokes the handler, turning a panic into an error
func (e *Executor) run(ctx context.Context, cmd *protocol.Command) (result json.RawMessage, err error) {
	handler, ok := e.handlers[cmd.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("stack", string(debug.Stack())).Errorf("handler for %s panicked: %v", cmd.Type, r)
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, cmd)
}

func (e *Executor) progress(cmd *protocol.Command, status protocol.AckStatus) *protocol.Ack {
	return &protocol.Ack{
		CommandID:      cmd.CommandID,
		IdempotencyKey: cmd.IdempotencyKey,
		Status:         status,
		At:             e.now().UTC(),
	}
}

func (e *Executor) send(send AckSender, ack *protocol.Ack, log logrus.FieldLogger) {
	if send == nil {
		return
	}
	if err := send(ack); err != nil {
		log.WithError(err).WithField("status", ack.Status).Debug("ack not delivered")
	}
}

func diagnostic(commandType string, err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{
		"type":  commandType,
		"error": err.Error(),
	})
	return data
}
