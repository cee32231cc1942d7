package metrics

import "time"

// Recorder defines the interface for recording application metrics.
// Implementations include Metrics (Prometheus-based) and NoopMetrics (no-op).
type Recorder interface {
	// Pairing and ownership
	RecordClaim(result string)
	RecordTransfer(stage, result string)

	// Device tokens
	RecordTokenIssued(reason string)
	RecordTokenRevoked(reason string)
	RecordTokenValidation(result string)

	// Sessions
	RecordSessionOpened()
	RecordSessionClosed(reason string, duration time.Duration)
	RecordHeartbeat()

	// Commands
	RecordCommandEnqueued(commandType string, deduplicated bool)
	RecordCommandDelivery(redelivery bool)
	RecordCommandTransition(state string)
	RecordCommandAck(status string, latency time.Duration)

	// Catalog
	RecordCatalogFetch(success bool, rejected int)

	// Gauge Setters (for periodic updates)
	SetDevicesByStatus(status string, count int)
	SetConnectedDevices(count int)
	SetCommandsByState(state string, count int)

	// Database Operations
	RecordDatabaseQueryError(operation string)
}
