package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ Recorder = (*Metrics)(nil)

const (
	namespace     = "fleet"
	resultSuccess = "success"
	resultError   = "error"
)

// Metrics is the Prometheus-backed Recorder
type Metrics struct {
	ClaimsTotal    *prometheus.CounterVec // result: success, invalid_code, already_claimed, expired, error
	TransfersTotal *prometheus.CounterVec // stage: init, confirm

	TokensIssuedTotal    *prometheus.CounterVec // reason: claim, transfer
	TokensRevokedTotal   *prometheus.CounterVec // reason: rotation, decommission
	TokenValidationTotal *prometheus.CounterVec // result: valid, invalid, revoked, expired

	SessionsActive       prometheus.Gauge
	SessionsOpenedTotal  prometheus.Counter
	SessionsClosedTotal  *prometheus.CounterVec
	SessionDuration      prometheus.Histogram
	HeartbeatsTotal      prometheus.Counter
	DevicesConnected     prometheus.Gauge
	DevicesByStatus      *prometheus.GaugeVec
	CommandsByState      *prometheus.GaugeVec
	CatalogFetchTotal    *prometheus.CounterVec
	CatalogRejectedTotal prometheus.Counter

	CommandsEnqueuedTotal   *prometheus.CounterVec // result: created, deduplicated
	CommandDeliveriesTotal  *prometheus.CounterVec // kind: initial, redelivery
	CommandTransitionsTotal *prometheus.CounterVec
	CommandAckLatency       *prometheus.HistogramVec

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	DatabaseQueryErrorsTotal *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init returns the process-wide recorder. Collectors are registered with the
// default registry on the first enabled call; disabled yields a no-op.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}
	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func counter(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}
}

func gauge(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}
}

// New registers a full set of collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ClaimsTotal: f.NewCounterVec(
			counter("claims_total", "Device claim attempts"), []string{"result"}),
		TransfersTotal: f.NewCounterVec(
			counter("transfers_total", "Ownership transfer operations"), []string{"stage", "result"}),

		TokensIssuedTotal: f.NewCounterVec(
			counter("device_tokens_issued_total", "Device tokens issued"), []string{"reason"}),
		TokensRevokedTotal: f.NewCounterVec(
			counter("device_tokens_revoked_total", "Device tokens revoked"), []string{"reason"}),
		TokenValidationTotal: f.NewCounterVec(
			counter("device_token_validation_total", "Device token validations"), []string{"result"}),

		SessionsActive: f.NewGauge(
			gauge("sessions_active", "Device sessions held by this hub instance")),
		SessionsOpenedTotal: f.NewCounter(
			counter("sessions_opened_total", "Device sessions opened")),
		SessionsClosedTotal: f.NewCounterVec(
			counter("sessions_closed_total", "Device sessions closed"), []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of device sessions",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 21600, 86400},
		}),
		HeartbeatsTotal: f.NewCounter(
			counter("heartbeats_total", "Heartbeat frames received")),
		DevicesConnected: f.NewGauge(
			gauge("devices_connected", "Devices connected to any hub instance")),
		DevicesByStatus: f.NewGaugeVec(
			gauge("devices", "Provisioned devices by ownership status"), []string{"status"}),
		CommandsByState: f.NewGaugeVec(
			gauge("commands", "Retained commands by lifecycle state"), []string{"state"}),
		CatalogFetchTotal: f.NewCounterVec(
			counter("catalog_fetch_total", "Skill catalog fetches"), []string{"result"}),
		CatalogRejectedTotal: f.NewCounter(
			counter("catalog_rejected_entries_total", "Catalog entries rejected by validation")),

		CommandsEnqueuedTotal: f.NewCounterVec(
			counter("commands_enqueued_total", "Enqueue requests"), []string{"type", "result"}),
		CommandDeliveriesTotal: f.NewCounterVec(
			counter("command_deliveries_total", "Command frames written to devices"), []string{"kind"}),
		CommandTransitionsTotal: f.NewCounterVec(
			counter("command_transitions_total", "Applied command state transitions"), []string{"state"}),
		CommandAckLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_ack_latency_seconds",
			Help:      "Time from dispatch to each acknowledgement",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"status"}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.ExponentialBucketsRange(0.001, 10, 12),
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "HTTP requests currently being served",
		}),

		DatabaseQueryErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "database_query_errors_total",
			Help: "Failed count queries during gauge collection",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordClaim(result string) {
	m.ClaimsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordTransfer(stage, result string) {
	m.TransfersTotal.WithLabelValues(stage, result).Inc()
}

func (m *Metrics) RecordTokenIssued(reason string) {
	m.TokensIssuedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTokenRevoked(reason string) {
	m.TokensRevokedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTokenValidation(result string) {
	m.TokenValidationTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSessionOpened() {
	m.SessionsOpenedTotal.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionClosed(reason string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsClosedTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordHeartbeat() {
	m.HeartbeatsTotal.Inc()
}

func (m *Metrics) RecordCommandEnqueued(commandType string, deduplicated bool) {
	result := "created"
	if deduplicated {
		result = "deduplicated"
	}
	m.CommandsEnqueuedTotal.WithLabelValues(commandType, result).Inc()
}

func (m *Metrics) RecordCommandDelivery(redelivery bool) {
	kind := "initial"
	if redelivery {
		kind = "redelivery"
	}
	m.CommandDeliveriesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCommandTransition(state string) {
	m.CommandTransitionsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordCommandAck(status string, latency time.Duration) {
	m.CommandAckLatency.WithLabelValues(status).Observe(latency.Seconds())
}

func (m *Metrics) RecordCatalogFetch(success bool, rejected int) {
	m.CatalogFetchTotal.WithLabelValues(outcome(success)).Inc()
	if rejected > 0 {
		m.CatalogRejectedTotal.Add(float64(rejected))
	}
}

func (m *Metrics) SetDevicesByStatus(status string, count int) {
	m.DevicesByStatus.WithLabelValues(status).Set(float64(count))
}

func (m *Metrics) SetConnectedDevices(count int) {
	m.DevicesConnected.Set(float64(count))
}

func (m *Metrics) SetCommandsByState(state string, count int) {
	m.CommandsByState.WithLabelValues(state).Set(float64(count))
}

func (m *Metrics) RecordDatabaseQueryError(operation string) {
	m.DatabaseQueryErrorsTotal.WithLabelValues(operation).Inc()
}

func outcome(success bool) string {
	if success {
		return resultSuccess
	}
	return resultError
}
