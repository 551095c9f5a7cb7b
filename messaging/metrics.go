package messaging

import "time"

// Call outcomes reported to MetricsCollector
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport"
	OutcomeCancelled = "cancelled"
)

// Reasons a delivery was dropped
const (
	DropMalformed = "malformed"
	DropUnmatched = "unmatched"
	DropNoReplyID = "no_correlation_id"
	DropPublish   = "publish_failed"
)

// MetricsCollector collects correlation metrics
type MetricsCollector interface {
	// RecordCall records a request handed to the bus
	RecordCall(topic string)

	// RecordOutcome records how a request completed
	RecordOutcome(topic, outcome string, latency time.Duration)

	// RecordDropped records a delivery that was discarded
	RecordDropped(topic, reason string)

	// RecordHandled records a worker handler invocation
	RecordHandled(operation, code string, duration time.Duration)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordCall does nothing
func (n *NoOpMetricsCollector) RecordCall(topic string) {}

// RecordOutcome does nothing
func (n *NoOpMetricsCollector) RecordOutcome(topic, outcome string, latency time.Duration) {}

// RecordDropped does nothing
func (n *NoOpMetricsCollector) RecordDropped(topic, reason string) {}

// RecordHandled does nothing
func (n *NoOpMetricsCollector) RecordHandled(operation, code string, duration time.Duration) {}
