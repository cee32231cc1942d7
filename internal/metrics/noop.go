package metrics

import "time"

// NoopMetrics is a no-operation implementation of Recorder
// All methods are empty and do nothing, providing zero overhead when metrics are disabled
type NoopMetrics struct{}

// Ensure NoopMetrics implements Recorder interface at compile time
var _ Recorder = (*NoopMetrics)(nil)

// NewNoopMetrics creates a new no-operation metrics recorder
func NewNoopMetrics() Recorder {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordClaim(result string)                                 {}
func (n *NoopMetrics) RecordTransfer(stage, result string)                       {}
func (n *NoopMetrics) RecordTokenIssued(reason string)                           {}
func (n *NoopMetrics) RecordTokenRevoked(reason string)                          {}
func (n *NoopMetrics) RecordTokenValidation(result string)                       {}
func (n *NoopMetrics) RecordSessionOpened()                                      {}
func (n *NoopMetrics) RecordSessionClosed(reason string, duration time.Duration) {}
func (n *NoopMetrics) RecordHeartbeat()                                          {}
func (n *NoopMetrics) RecordCommandEnqueued(commandType string, deduplicated bool) {
}
func (n *NoopMetrics) RecordCommandDelivery(redelivery bool)                 {}
func (n *NoopMetrics) RecordCommandTransition(state string)                  {}
func (n *NoopMetrics) RecordCommandAck(status string, latency time.Duration) {}
func (n *NoopMetrics) RecordCatalogFetch(success bool, rejected int)         {}

// Gauge setters - noop implementations
func (n *NoopMetrics) SetDevicesByStatus(status string, count int) {}
func (n *NoopMetrics) SetConnectedDevices(count int)               {}
func (n *NoopMetrics) SetCommandsByState(state string, count int)  {}

// Database Operations - noop implementation
func (n *NoopMetrics) RecordDatabaseQueryError(operation string) {}
