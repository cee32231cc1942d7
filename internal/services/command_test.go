package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, env *testEnv, deviceID, key string) *models.Command {
	t.Helper()
	res, err := env.commands.Enqueue(context.Background(), EnqueueRequest{
		DeviceID:       deviceID,
		IdempotencyKey: key,
		Type:           "skill.install",
		Payload:        json.RawMessage(`{"skill_id":"weather"}`),
		IssuedBy:       "alice",
	})
	require.NoError(t, err)
	require.False(t, res.Deduplicated)
	return res.Command
}

func TestEnqueue_Defaults(t *testing.T) {
	env := newTestEnv(t)
	env.claimed(t, "dev-1", "alice")

	cmd := enqueue(t, env, "dev-1", "k-1")
	assert.Equal(t, models.CommandQueued, cmd.State)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, env.clock.Now().Add(24*time.Hour), cmd.ExpiresAt)
	assert.Equal(t, []string{"dev-1"}, env.notifier.devices)

	stored, err := env.commands.GetCommand(context.Background(), "dev-1", cmd.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"skill_id":"weather"}`, string(stored.Payload))
}

func TestEnqueue_SameKeyReturnsSameCommand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")

	first := enqueue(t, env, "dev-1", "k-7")
	again, err := env.commands.Enqueue(ctx, EnqueueRequest{
		DeviceID: "dev-1", IdempotencyKey: "k-7", Type: "skill.install",
	})
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, first.ID, again.Command.ID)

	pending, err := env.store.ListPendingCommands(ctx, "dev-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEnqueue_KeyReusableAfterTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")

	first := enqueue(t, env, "dev-1", "k-8")
	applied, err := env.commands.ApplyAck(ctx, "dev-1", &protocol.Ack{
		CommandID: first.ID, Status: protocol.AckSucceeded,
	})
	require.NoError(t, err)
	require.True(t, applied)

	second := enqueue(t, env, "dev-1", "k-8")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestEnqueue_ExpiredHolderReleasesKey(t *testing.T) {
	env := newTestEnv(t)
	env.claimed(t, "dev-1", "alice")

	first := enqueue(t, env, "dev-1", "k-9")
	env.clock.Advance(25 * time.Hour)
	second := enqueue(t, env, "dev-1", "k-9")
	assert.NotEqual(t, first.ID, second.ID)

	old, err := env.commands.GetCommand(context.Background(), "dev-1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandExpired, old.State)
}

func TestEnqueue_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")
	env.provision(t, "dev-unclaimed")
	past := env.clock.Now().Add(-time.Minute)

	tests := []struct {
		name string
		req  EnqueueRequest
		err  error
	}{
		{"bad type", EnqueueRequest{DeviceID: "dev-1", IdempotencyKey: "k", Type: "Reboot Now"}, ErrInvalidCommand},
		{"missing key", EnqueueRequest{DeviceID: "dev-1", Type: "reboot"}, ErrInvalidCommand},
		{"payload not object", EnqueueRequest{
			DeviceID: "dev-1", IdempotencyKey: "k", Type: "reboot", Payload: json.RawMessage(`[1,2]`),
		}, ErrInvalidCommand},
		{"ttl above max", EnqueueRequest{
			DeviceID: "dev-1", IdempotencyKey: "k", Type: "reboot", TTL: 30 * 24 * time.Hour,
		}, ErrInvalidCommand},
		{"expires in the past", EnqueueRequest{
			DeviceID: "dev-1", IdempotencyKey: "k", Type: "reboot", ExpiresAt: &past,
		}, ErrCommandExpired},
		{"unknown device", EnqueueRequest{DeviceID: "nope", IdempotencyKey: "k", Type: "reboot"}, ErrDeviceNotFound},
		{"unclaimed device", EnqueueRequest{
			DeviceID: "dev-unclaimed", IdempotencyKey: "k", Type: "reboot",
		}, ErrDeviceNotClaimed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.commands.Enqueue(ctx, tt.req)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEnqueue_CallerSuppliedID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")

	res, err := env.commands.Enqueue(ctx, EnqueueRequest{
		CommandID: "cmd-fixed", DeviceID: "dev-1", IdempotencyKey: "a", Type: "reboot",
	})
	require.NoError(t, err)
	assert.Equal(t, "cmd-fixed", res.Command.ID)

	_, err = env.commands.Enqueue(ctx, EnqueueRequest{
		CommandID: "cmd-fixed", DeviceID: "dev-1", IdempotencyKey: "b", Type: "reboot",
	})
	assert.ErrorIs(t, err, ErrDuplicateCommandID)
}

func TestGetCommand_ScopedToDevice(t *testing.T) {
	env := newTestEnv(t)
	env.claimed(t, "dev-1", "alice")
	env.claimed(t, "dev-2", "alice")
	cmd := enqueue(t, env, "dev-1", "k")

	_, err := env.commands.GetCommand(context.Background(), "dev-2", cmd.ID)
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestDispatchAndAckLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")
	cmd := enqueue(t, env, "dev-1", "k-1")

	ready, err := env.commands.NextDispatch(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	ok, err := env.commands.MarkSent(ctx, &ready[0])
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = env.commands.MarkSent(ctx, &ready[0])
	require.NoError(t, err)
	assert.False(t, ok, "a command is sent once per queue pass")

	for _, status := range []protocol.AckStatus{protocol.AckReceived, protocol.AckRunning} {
		applied, err := env.commands.ApplyAck(ctx, "dev-1", &protocol.Ack{CommandID: cmd.ID, Status: status})
		require.NoError(t, err)
		assert.True(t, applied, status)
	}

	// A late duplicate of an earlier ack never moves the command backwards
	applied, err := env.commands.ApplyAck(ctx, "dev-1", &protocol.Ack{CommandID: cmd.ID, Status: protocol.AckReceived})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = env.commands.ApplyAck(ctx, "dev-1", &protocol.Ack{
		CommandID: cmd.ID,
		Status:    protocol.AckSucceeded,
		Result:    []byte(`{"installed":"1.2.0"}`),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = env.commands.ApplyAck(ctx, "dev-1", &protocol.Ack{CommandID: cmd.ID, Status: protocol.AckFailed})
	require.NoError(t, err)
	assert.False(t, applied, "terminal states are final")

	final, err := env.commands.GetCommand(ctx, "dev-1", cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandSucceeded, final.State)
	assert.JSONEq(t, `{"installed":"1.2.0"}`, string(final.Result))
	assert.NotNil(t, final.CompletedAt)
}

func TestApplyAck_TerminalWithoutIntermediateAcks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")
	cmd := enqueue(t, env, "dev-1", "k-1")

	// The disconnect revert can put the command back to queued while the device finishes it
	applied, err := env.commands.ApplyAck(ctx, "dev-1", &protocol.Ack{
		CommandID: cmd.ID, Status: protocol.AckFailed, Error: "disk full",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	final, err := env.commands.GetCommand(ctx, "dev-1", cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, final.State)
	assert.Equal(t, "disk full", final.ErrorMessage)
}

func TestApplyAck_AfterExpiryIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")
	cmd := enqueue(t, env, "dev-1", "k-1")

	env.clock.Advance(25 * time.Hour)
	applied, err := env.commands.ApplyAck(ctx, "dev-1", &protocol.Ack{CommandID: cmd.ID, Status: protocol.AckSucceeded})
	require.NoError(t, err)
	assert.False(t, applied)

	final, err := env.commands.GetCommand(ctx, "dev-1", cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandExpired, final.State)
}

func TestApplyAck_DeviceReportsExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")
	cmd := enqueue(t, env, "dev-1", "k-1")

	applied, err := env.commands.ApplyAck(ctx, "dev-1", &protocol.Ack{CommandID: cmd.ID, Status: protocol.AckExpired})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestExpireOverdue_OfflineDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")
	cmd := enqueue(t, env, "dev-1", "k-42")

	// Device stays offline for 25h
	env.clock.Advance(25 * time.Hour)
	n, err := env.commands.ExpireOverdue(ctx, "", env.clock.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final, err := env.commands.GetCommand(ctx, "dev-1", cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandExpired, final.State)
	assert.Nil(t, final.LastAckAt, "an expired command was never acknowledged")

	ready, err := env.commands.NextDispatch(ctx, "dev-1", 10)
	require.NoError(t, err)
	assert.Empty(t, ready, "nothing is dispatched after expiry")

	ok, err := env.commands.MarkSent(ctx, final)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedeliveryAndExhaustion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")
	enqueue(t, env, "dev-1", "k-1")

	ready, err := env.commands.NextDispatch(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	cmd := &ready[0]
	ok, err := env.commands.MarkSent(ctx, cmd)
	require.NoError(t, err)
	require.True(t, ok)

	overdue, err := env.commands.ListAckOverdue(ctx, env.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, overdue, "ack deadline not reached")

	env.clock.Advance(env.config.AckTimeout)
	overdue, err = env.commands.ListAckOverdue(ctx, env.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	ok, err = env.commands.MarkRedelivered(ctx, &overdue[0], env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, overdue[0].RetryCount)
	deadline := *overdue[0].NextAttemptAt
	assert.False(t, deadline.Before(env.clock.Now().Add(env.config.AckTimeout)))
	assert.False(t, deadline.After(env.clock.Now().Add(env.config.AckTimeout+env.config.RetryBaseDelay)))

	ok, err = env.commands.FailExhausted(ctx, &overdue[0], env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	final, err := env.commands.GetCommand(ctx, "dev-1", cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, final.State)
	assert.Equal(t, DiagnosticMaxRetries, final.ErrorMessage)
}

func TestRevertSentAndRequeue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")
	enqueue(t, env, "dev-1", "k-1")
	enqueue(t, env, "dev-1", "k-2")

	ready, err := env.commands.NextDispatch(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	for i := range ready {
		ok, err := env.commands.MarkSent(ctx, &ready[i])
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := env.commands.RevertSent(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ready, err = env.commands.NextDispatch(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, ready, 2)

	ok, err := env.commands.MarkSent(ctx, &ready[0])
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = env.commands.Requeue(ctx, &ready[0], env.clock.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPurgeTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")
	done := enqueue(t, env, "dev-1", "k-1")
	live := enqueue(t, env, "dev-1", "k-2")
	_, err := env.commands.ApplyAck(ctx, "dev-1", &protocol.Ack{CommandID: done.ID, Status: protocol.AckSucceeded})
	require.NoError(t, err)

	env.clock.Advance(48 * time.Hour)
	n, err := env.commands.PurgeTerminal(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = env.commands.GetCommand(ctx, "dev-1", done.ID)
	assert.ErrorIs(t, err, ErrCommandNotFound)
	_, err = env.commands.GetCommand(ctx, "dev-1", live.ID)
	require.NoError(t, err)
}

func TestEnqueue_RequireConnected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.claimed(t, "dev-1", "alice")

	req := EnqueueRequest{
		DeviceID: "dev-1", IdempotencyKey: "k-live", Type: "report_status", RequireConnected: true,
	}
	_, err := env.commands.Enqueue(ctx, req)
	assert.ErrorIs(t, err, ErrDeviceUnreachable)

	require.NoError(t, env.devices.MarkOnline(ctx, "dev-1", &protocol.Hello{DeviceID: "dev-1"}))
	res, err := env.commands.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.CommandQueued, res.Command.State)
}
