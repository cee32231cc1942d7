package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/credential"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/store"

	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		HubInstanceID:       "hub-test",
		PairingCodeTTL:      24 * time.Hour,
		TransferNonceTTL:    10 * time.Minute,
		TransferMaxAttempts: 3,
		DeviceTokenTTL:      365 * 24 * time.Hour,
		HeartbeatInterval:   30 * time.Second,
		CommandDefaultTTL:   24 * time.Hour,
		CommandMaxTTL:       7 * 24 * time.Hour,
		CommandMaxRetries:   3,
		AckTimeout:          30 * time.Second,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       10 * time.Second,
	}
}

// fakeClock is a settable time source shared by the services under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingTerminator captures DisconnectDevice calls
type recordingTerminator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTerminator) DisconnectDevice(_ context.Context, deviceID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, deviceID+":"+reason)
	return true
}

func (r *recordingTerminator) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// recordingNotifier captures NotifyCommand calls
type recordingNotifier struct {
	mu      sync.Mutex
	devices []string
}

func (r *recordingNotifier) NotifyCommand(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, deviceID)
}

type testEnv struct {
	store      *store.Store
	config     *config.Config
	clock      *fakeClock
	pairing    *PairingService
	devices    *DeviceService
	commands   *CommandService
	terminator *recordingTerminator
	notifier   *recordingNotifier
	verifier   credential.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := setupTestStore(t)
	cfg := testConfig()
	sealer, err := credential.GenerateSealer()
	require.NoError(t, err)
	verifier, err := credential.New(credential.SchemeHMACSHA256)
	require.NoError(t, err)

	clock := newFakeClock()
	noop := metrics.NewNoopMetrics()

	pairing := NewPairingService(s, cfg, sealer, verifier, nil, noop)
	pairing.now = clock.Now
	terminator := &recordingTerminator{}
	pairing.SetSessionTerminator(terminator)

	devices := NewDeviceService(s, cfg, nil, noop)
	devices.now = clock.Now

	commands := NewCommandService(s, cfg, nil, noop)
	commands.now = clock.Now
	notifier := &recordingNotifier{}
	commands.SetNotifier(notifier)

	return &testEnv{
		store:      s,
		config:     cfg,
		clock:      clock,
		pairing:    pairing,
		devices:    devices,
		commands:   commands,
		terminator: terminator,
		notifier:   notifier,
		verifier:   verifier,
	}
}

// provision registers deviceID with a known factory secret and returns its pairing code
func (e *testEnv) provision(t *testing.T, deviceID string) (string, []byte) {
	t.Helper()
	secret := []byte("factory-secret-" + deviceID)
	res, err := e.pairing.ProvisionDevice(context.Background(), ProvisionRequest{
		DeviceID:      deviceID,
		FactorySecret: secret,
		Model:         "edge-1",
	})
	require.NoError(t, err)
	return res.PairingCode, secret
}

// claimed provisions and claims deviceID for owner, returning the device token
func (e *testEnv) claimed(t *testing.T, deviceID, owner string) string {
	t.Helper()
	code, _ := e.provision(t, deviceID)
	res, err := e.pairing.Claim(context.Background(), deviceID, code, owner)
	require.NoError(t, err)
	return res.Token
}

func ownerPrincipal(subject string) *models.Principal {
	return &models.Principal{Subject: subject, Role: models.RoleOwner}
}

func operatorPrincipal() *models.Principal {
	return &models.Principal{Subject: "ops", Role: models.RoleOperator}
}
