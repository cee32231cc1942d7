package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	m := Init(true)
	assert.NotNil(t, m)

	metrics, ok := m.(*Metrics)
	assert.True(t, ok, "Init(true) should return *Metrics")
	assert.NotNil(t, metrics.ClaimsTotal)
	assert.NotNil(t, metrics.SessionsActive)
	assert.NotNil(t, metrics.CommandsEnqueuedTotal)
	assert.NotNil(t, metrics.HTTPRequestsTotal)

	// Second call must not re-register collectors
	assert.Same(t, metrics, Init(true))
}

func TestInitNoop(t *testing.T) {
	m := Init(false)
	assert.NotNil(t, m)

	_, ok := m.(*NoopMetrics)
	assert.True(t, ok, "Init(false) should return *NoopMetrics")
}

func TestRecorders(t *testing.T) {
	for name, m := range map[string]Recorder{
		"prometheus": Init(true),
		"noop":       NewNoopMetrics(),
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				m.RecordClaim("success")
				m.RecordClaim("invalid_code")
				m.RecordTransfer("init", "success")
				m.RecordTransfer("confirm", "expired")
				m.RecordTokenIssued("claim")
				m.RecordTokenRevoked("rotation")
				m.RecordTokenValidation("valid")
				m.RecordSessionOpened()
				m.RecordHeartbeat()
				m.RecordSessionClosed("heartbeat_timeout", 90*time.Second)
				m.RecordCommandEnqueued("reboot", false)
				m.RecordCommandEnqueued("reboot", true)
				m.RecordCommandDelivery(false)
				m.RecordCommandDelivery(true)
				m.RecordCommandTransition("succeeded")
				m.RecordCommandAck("succeeded", 250*time.Millisecond)
				m.RecordCatalogFetch(true, 2)
				m.RecordCatalogFetch(false, 0)
				m.SetDevicesByStatus("claimed", 10)
				m.SetConnectedDevices(4)
				m.SetCommandsByState("queued", 3)
				m.RecordDatabaseQueryError("count_devices")
			})
		})
	}
}

func TestNewIsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordClaim("success")
	m.RecordCommandEnqueued("reboot", true)
	m.RecordCatalogFetch(false, 3)

	assert.InDelta(t, 1, testutil.ToFloat64(m.ClaimsTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CommandsEnqueuedTotal.WithLabelValues("reboot", "deduplicated")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CatalogFetchTotal.WithLabelValues(resultError)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.CatalogRejectedTotal), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "fleet_claims_total")
	assert.Contains(t, names, "fleet_catalog_rejected_entries_total")

	// A second registry accepts a fresh set
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}
