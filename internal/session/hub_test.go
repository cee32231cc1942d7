package session

import (
	"context"
	"testing"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/credential"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/protocol"
	"github.com/go-fleetgate/fleetgate/internal/services"
	"github.com/go-fleetgate/fleetgate/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubEnv struct {
	store    *store.Store
	pairing  *services.PairingService
	devices  *services.DeviceService
	commands *services.CommandService
	hub      *Hub
}

func newHubEnv(t *testing.T, opts Options) *hubEnv {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		HubInstanceID:     "hub-test",
		PairingCodeTTL:    time.Hour,
		TransferNonceTTL:  time.Minute,
		DeviceTokenTTL:    24 * time.Hour,
		HeartbeatInterval: time.Second,
		CommandDefaultTTL: time.Hour,
		AckTimeout:        time.Minute,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     time.Minute,
	}
	sealer, err := credential.GenerateSealer()
	require.NoError(t, err)
	verifier, err := credential.New(credential.SchemeHMACSHA256)
	require.NoError(t, err)
	noop := metrics.NewNoopMetrics()

	env := &hubEnv{
		store:    s,
		pairing:  services.NewPairingService(s, cfg, sealer, verifier, nil, noop),
		devices:  services.NewDeviceService(s, cfg, nil, noop),
		commands: services.NewCommandService(s, cfg, nil, noop),
	}
	env.hub = NewHub(env.devices, env.commands, nil, noop, opts)
	env.commands.SetNotifier(env.hub)
	env.pairing.SetSessionTerminator(env.hub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.hub.Shutdown(ctx)
	})
	return env
}

func testOptions() Options {
	return Options{
		HeartbeatGrace:   time.Hour,
		HandshakeTimeout: time.Second,
		DispatchInterval: time.Hour,
		DispatchBatch:    10,
	}
}

// claim provisions and claims deviceID, returning the authenticated device row
func (e *hubEnv) claim(t *testing.T, deviceID string) *models.Device {
	t.Helper()
	ctx := context.Background()
	prov, err := e.pairing.ProvisionDevice(ctx, services.ProvisionRequest{DeviceID: deviceID})
	require.NoError(t, err)
	res, err := e.pairing.Claim(ctx, deviceID, prov.PairingCode, "alice")
	require.NoError(t, err)
	device, err := e.devices.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	return device
}

func (e *hubEnv) enqueue(t *testing.T, deviceID, key string) *models.Command {
	t.Helper()
	res, err := e.commands.Enqueue(context.Background(), services.EnqueueRequest{
		DeviceID: deviceID, IdempotencyKey: key, Type: "reboot",
	})
	require.NoError(t, err)
	return res.Command
}

func (e *hubEnv) commandState(t *testing.T, deviceID, commandID string) models.CommandState {
	t.Helper()
	cmd, err := e.commands.GetCommand(context.Background(), deviceID, commandID)
	require.NoError(t, err)
	return cmd.State
}

// serve starts a session over an in-memory pipe without sending hello
func (e *hubEnv) serve(device *models.Device) (*protocol.PipeConn, <-chan error) {
	server, client := protocol.Pipe()
	errc := make(chan error, 1)
	go func() { errc <- e.hub.Serve(context.Background(), server, device) }()
	return client, errc
}

// connect starts a session and completes the hello exchange
func (e *hubEnv) connect(t *testing.T, device *models.Device) (*protocol.PipeConn, <-chan error) {
	t.Helper()
	client, errc := e.serve(device)
	require.NoError(t, client.WriteFrame(&protocol.Frame{
		Type:   protocol.FrameHello,
		SentAt: time.Now().UTC(),
		Hello:  &protocol.Hello{DeviceID: device.DeviceID, Capabilities: []string{"reboot"}},
	}))
	reply := readFrame(t, client)
	require.Equal(t, protocol.FrameHello, reply.Type)
	require.Equal(t, device.DeviceID, reply.Hello.DeviceID)
	return client, errc
}

func readFrame(t *testing.T, c protocol.Conn) *protocol.Frame {
	t.Helper()
	type result struct {
		frame *protocol.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := c.ReadFrame()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func ack(t *testing.T, c protocol.Conn, cmd *protocol.Command, status protocol.AckStatus) {
	t.Helper()
	require.NoError(t, c.WriteFrame(&protocol.Frame{
		Type:   protocol.FrameAck,
		SentAt: time.Now().UTC(),
		Ack: &protocol.Ack{
			CommandID:      cmd.CommandID,
			IdempotencyKey: cmd.IdempotencyKey,
			Status:         status,
			At:             time.Now().UTC(),
		},
	}))
}

func waitClosed(t *testing.T, c *protocol.PipeConn) string {
	t.Helper()
	select {
	case <-c.Closed():
		return c.CloseReason()
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed")
		return ""
	}
}

func TestHub_DispatchesQueuedCommandsOnConnect(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	queued := env.enqueue(t, "dev-1", "k-1")

	client, _ := env.connect(t, device)
	assert.True(t, env.hub.IsConnected("dev-1"))

	frame := readFrame(t, client)
	require.Equal(t, protocol.FrameCommand, frame.Type)
	assert.Equal(t, queued.ID, frame.Command.CommandID)
	assert.Equal(t, "k-1", frame.Command.IdempotencyKey)
	assert.Equal(t, 1, frame.Command.Attempt)
	assert.Equal(t, models.CommandSent, env.commandState(t, "dev-1", queued.ID))

	ack(t, client, frame.Command, protocol.AckReceived)
	ack(t, client, frame.Command, protocol.AckRunning)
	ack(t, client, frame.Command, protocol.AckSucceeded)
	require.Eventually(t, func() bool {
		return env.commandState(t, "dev-1", queued.ID) == models.CommandSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := env.store.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, stored.Connected)
	assert.JSONEq(t, `["reboot"]`, string(stored.Capabilities))
}

func TestHub_NotifyDispatchesNewCommand(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	client, _ := env.connect(t, device)

	cmd := env.enqueue(t, "dev-1", "k-2")
	frame := readFrame(t, client)
	require.Equal(t, protocol.FrameCommand, frame.Type)
	assert.Equal(t, cmd.ID, frame.Command.CommandID)
}

func TestHub_HeartbeatIsEchoedAndStamped(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	client, _ := env.connect(t, device)

	require.NoError(t, client.WriteFrame(protocol.NewHeartbeat(time.Now().UTC())))
	frame := readFrame(t, client)
	assert.Equal(t, protocol.FrameHeartbeat, frame.Type)

	stored, err := env.store.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastSeen)
}

func TestHub_StatusFrameIsStored(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	client, _ := env.connect(t, device)

	require.NoError(t, client.WriteFrame(&protocol.Frame{
		Type:   protocol.FrameStatus,
		SentAt: time.Now().UTC(),
		Status: &protocol.StatusReport{
			InstalledSkills: []protocol.InstalledSkill{{SkillID: "weather", Version: "2.0.0", Status: "active"}},
		},
	}))
	require.Eventually(t, func() bool {
		view, err := env.devices.GetStatus(context.Background(), "dev-1",
			&models.Principal{Subject: "alice", Role: models.RoleOwner})
		return err == nil && len(view.InstalledSkills) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_NewConnectionSupersedesOld(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")

	first, firstDone := env.connect(t, device)
	second, _ := env.connect(t, device)

	assert.Equal(t, protocol.CloseSuperseded, waitClosed(t, first))
	select {
	case err := <-firstDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded session did not finish")
	}

	assert.Equal(t, 1, env.hub.ConnectedCount())
	stored, err := env.store.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, stored.Connected, "the old session must not mark the device offline")

	cmd := env.enqueue(t, "dev-1", "k-3")
	frame := readFrame(t, second)
	assert.Equal(t, cmd.ID, frame.Command.CommandID)
}

func TestHub_DisconnectRevertsSentCommands(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	cmd := env.enqueue(t, "dev-1", "k-4")

	client, done := env.connect(t, device)
	readFrame(t, client)
	require.Equal(t, models.CommandSent, env.commandState(t, "dev-1", cmd.ID))

	require.NoError(t, client.Close(""))
	<-done

	assert.Equal(t, models.CommandQueued, env.commandState(t, "dev-1", cmd.ID))
	stored, err := env.store.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.False(t, stored.Connected)
	assert.False(t, env.hub.IsConnected("dev-1"))

	// Reconnecting delivers it again
	client, _ = env.connect(t, device)
	frame := readFrame(t, client)
	assert.Equal(t, cmd.ID, frame.Command.CommandID)
}

func TestHub_SilenceBeyondGraceClosesSession(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatGrace = 150 * time.Millisecond
	env := newHubEnv(t, opts)
	device := env.claim(t, "dev-1")

	client, done := env.connect(t, device)
	assert.Equal(t, protocol.CloseHeartbeatTimeout, waitClosed(t, client))
	<-done

	stored, err := env.store.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.False(t, stored.Connected)
}

func TestHub_HeartbeatsKeepSessionAlive(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatGrace = 150 * time.Millisecond
	env := newHubEnv(t, opts)
	device := env.claim(t, "dev-1")
	client, _ := env.connect(t, device)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, client.WriteFrame(protocol.NewHeartbeat(time.Now().UTC())))
		readFrame(t, client)
		time.Sleep(30 * time.Millisecond)
	}
	assert.True(t, env.hub.IsConnected("dev-1"))
}

func TestHub_HandshakeTimeout(t *testing.T) {
	opts := testOptions()
	opts.HandshakeTimeout = 50 * time.Millisecond
	env := newHubEnv(t, opts)
	device := env.claim(t, "dev-1")

	client, done := env.serve(device)
	assert.Equal(t, protocol.CloseHandshakeTimeout, waitClosed(t, client))
	require.Error(t, <-done)
	assert.False(t, env.hub.IsConnected("dev-1"))
}

func TestHub_HelloForAnotherDeviceIsRejected(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")

	client, done := env.serve(device)
	require.NoError(t, client.WriteFrame(&protocol.Frame{
		Type:   protocol.FrameHello,
		SentAt: time.Now().UTC(),
		Hello:  &protocol.Hello{DeviceID: "dev-2"},
	}))
	assert.Equal(t, protocol.CloseProtocolError, waitClosed(t, client))
	require.ErrorIs(t, <-done, protocol.ErrInvalidFrame)
}

func TestHub_TransferClosesLiveSession(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	client, _ := env.connect(t, device)
	ctx := context.Background()

	ticket, err := env.pairing.TransferInit(ctx, "dev-1", &models.Principal{Subject: "alice", Role: models.RoleOwner})
	require.NoError(t, err)
	resetCode, err := env.pairing.ResetCode(ctx, "dev-1")
	require.NoError(t, err)
	_, err = env.pairing.TransferConfirm(ctx, services.TransferConfirmRequest{
		DeviceID: "dev-1", Nonce: ticket.Nonce, ResetCode: resetCode, NewOwnerID: "bob",
	})
	require.NoError(t, err)

	// TransferConfirm returns only after the session is gone
	assert.False(t, env.hub.IsConnected("dev-1"))
	assert.Equal(t, protocol.CloseRevoked, waitClosed(t, client))
}

func TestHub_RevocationElsewhereClosesSession(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatGrace = 300 * time.Millisecond
	env := newHubEnv(t, opts)
	device := env.claim(t, "dev-1")
	client, _ := env.connect(t, device)

	// Decommissioned behind the hub's back, as another instance would
	require.NoError(t, env.store.DecommissionDevice(context.Background(), "dev-1", time.Now()))
	assert.Equal(t, protocol.CloseRevoked, waitClosed(t, client))
}

func TestHub_TokenRotatedBeforeAttachIsRejected(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	ctx := context.Background()

	// The transfer lands after authentication, while no session is attached
	ticket, err := env.pairing.TransferInit(ctx, "dev-1", &models.Principal{Subject: "alice", Role: models.RoleOwner})
	require.NoError(t, err)
	resetCode, err := env.pairing.ResetCode(ctx, "dev-1")
	require.NoError(t, err)
	_, err = env.pairing.TransferConfirm(ctx, services.TransferConfirmRequest{
		DeviceID: "dev-1", Nonce: ticket.Nonce, ResetCode: resetCode, NewOwnerID: "bob",
	})
	require.NoError(t, err)

	client, errc := env.serve(device)
	require.NoError(t, client.WriteFrame(&protocol.Frame{
		Type:   protocol.FrameHello,
		SentAt: time.Now().UTC(),
		Hello:  &protocol.Hello{DeviceID: "dev-1"},
	}))
	assert.Equal(t, protocol.CloseRevoked, waitClosed(t, client))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrCredentialRevoked)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.False(t, env.hub.IsConnected("dev-1"))
}

func TestHub_ConnectResumesInProgressCommands(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	cmd := env.enqueue(t, "dev-1", "k-7")
	client, done := env.connect(t, device)
	first := readFrame(t, client)
	ack(t, client, first.Command, protocol.AckReceived)
	require.Eventually(t, func() bool {
		return env.commandState(t, "dev-1", cmd.ID) == models.CommandReceived
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close(""))
	<-done
	assert.Equal(t, models.CommandReceived, env.commandState(t, "dev-1", cmd.ID), "disconnect keeps reported progress")

	env.connect(t, device)
	overdue, err := env.commands.ListAckOverdue(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, cmd.ID, overdue[0].ID)
}

func TestHub_DisconnectDevice(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	client, _ := env.connect(t, device)

	assert.True(t, env.hub.DisconnectDevice(context.Background(), "dev-1", protocol.CloseDecommissioned))
	assert.Equal(t, protocol.CloseDecommissioned, waitClosed(t, client))
	assert.False(t, env.hub.DisconnectDevice(context.Background(), "dev-1", protocol.CloseDecommissioned))
}

func TestHub_DeliverRedelivery(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	env.enqueue(t, "dev-1", "k-5")
	client, _ := env.connect(t, device)
	first := readFrame(t, client)

	cmd, err := env.commands.GetCommand(context.Background(), "dev-1", first.Command.CommandID)
	require.NoError(t, err)
	ok, err := env.commands.MarkRedelivered(context.Background(), cmd, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	delivered, err := env.hub.Deliver(cmd)
	require.NoError(t, err)
	assert.True(t, delivered)
	again := readFrame(t, client)
	assert.Equal(t, first.Command.IdempotencyKey, again.Command.IdempotencyKey)
	assert.Equal(t, 2, again.Command.Attempt)

	delivered, err = env.hub.Deliver(&models.Command{ID: "x", DeviceID: "offline"})
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestHub_Shutdown(t *testing.T) {
	env := newHubEnv(t, testOptions())
	device := env.claim(t, "dev-1")
	client, _ := env.connect(t, device)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.hub.Shutdown(ctx))
	assert.Equal(t, protocol.CloseShutdown, waitClosed(t, client))

	_, done := env.serve(device)
	assert.ErrorIs(t, <-done, ErrHubClosed)
}
