package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/glimte/correlate/messaging"
)

const maxSamples = 100

// SimpleMetricsCollector implements messaging.MetricsCollector in memory
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	// Requests handed to the bus by topic
	calls map[string]int64

	// Call outcomes by topic and outcome
	outcomes map[string]map[string]int64

	// Dropped deliveries by topic and reason
	dropped map[string]map[string]int64

	// Handler invocations by operation and reply code
	handled map[string]map[string]int64

	callLatency     map[string]*TimeStats
	handlerDuration map[string]*TimeStats
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64 // last maxSamples, for percentiles
}

func (s *TimeStats) add(d time.Duration) {
	ms := d.Milliseconds()
	if s.Count == 0 || ms < s.MinMs {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	s.Count++
	s.TotalMs += ms

	if len(s.samples) >= maxSamples {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, ms)
}

func (s *TimeStats) stats() ProcessingStats {
	out := ProcessingStats{Count: s.Count, MinMs: s.MinMs, MaxMs: s.MaxMs}
	if s.Count > 0 {
		out.AvgMs = s.TotalMs / s.Count
	}
	if len(s.samples) > 0 {
		sorted := make([]int64, len(s.samples))
		copy(sorted, s.samples)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		out.P50Ms = percentile(sorted, 0.50)
		out.P95Ms = percentile(sorted, 0.95)
		out.P99Ms = percentile(sorted, 0.99)
	}
	return out
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	c := &SimpleMetricsCollector{}
	c.init()
	return c
}

func (c *SimpleMetricsCollector) init() {
	c.calls = make(map[string]int64)
	c.outcomes = make(map[string]map[string]int64)
	c.dropped = make(map[string]map[string]int64)
	c.handled = make(map[string]map[string]int64)
	c.callLatency = make(map[string]*TimeStats)
	c.handlerDuration = make(map[string]*TimeStats)
}

// RecordCall implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordCall(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[topic]++
}

// RecordOutcome implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordOutcome(topic, outcome string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	increment(c.outcomes, topic, outcome)
	timeStats(c.callLatency, topic).add(latency)
}

// RecordDropped implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordDropped(topic, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	increment(c.dropped, topic, reason)
}

// RecordHandled implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordHandled(operation, code string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	increment(c.handled, operation, code)
	timeStats(c.handlerDuration, operation).add(duration)
}

// Snapshot returns a copy of all collected metrics
func (c *SimpleMetricsCollector) Snapshot() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		Calls:           make(map[string]int64, len(c.calls)),
		Outcomes:        copyNested(c.outcomes),
		Dropped:         copyNested(c.dropped),
		Handled:         copyNested(c.handled),
		CallLatency:     make(map[string]ProcessingStats, len(c.callLatency)),
		HandlerDuration: make(map[string]ProcessingStats, len(c.handlerDuration)),
		CollectedAt:     time.Now(),
	}
	for topic, n := range c.calls {
		summary.Calls[topic] = n
	}
	for topic, s := range c.callLatency {
		summary.CallLatency[topic] = s.stats()
	}
	for operation, s := range c.handlerDuration {
		summary.HandlerDuration[operation] = s.stats()
	}
	return summary
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
}

// MetricsSummary represents a snapshot of all metrics
type MetricsSummary struct {
	Calls           map[string]int64            `json:"calls"`
	Outcomes        map[string]map[string]int64 `json:"outcomes"`
	Dropped         map[string]map[string]int64 `json:"dropped"`
	Handled         map[string]map[string]int64 `json:"handled"`
	CallLatency     map[string]ProcessingStats  `json:"call_latency"`
	HandlerDuration map[string]ProcessingStats  `json:"handler_duration"`
	CollectedAt     time.Time                   `json:"collected_at"`
}

// Pending returns calls on topic that have not reached an outcome yet
func (s MetricsSummary) Pending(topic string) int64 {
	var done int64
	for _, n := range s.Outcomes[topic] {
		done += n
	}
	return s.Calls[topic] - done
}

// ErrorRate returns the share of completed calls on topic that did not end ok
func (s MetricsSummary) ErrorRate(topic string) float64 {
	var total, failed int64
	for outcome, n := range s.Outcomes[topic] {
		total += n
		if outcome != messaging.OutcomeOK {
			failed += n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// ProcessingStats represents timing statistics for a topic or operation
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

func increment(m map[string]map[string]int64, key, sub string) {
	if m[key] == nil {
		m[key] = make(map[string]int64)
	}
	m[key][sub]++
}

func timeStats(m map[string]*TimeStats, key string) *TimeStats {
	s, ok := m[key]
	if !ok {
		s = &TimeStats{samples: make([]int64, 0, maxSamples)}
		m[key] = s
	}
	return s
}

func copyNested(m map[string]map[string]int64) map[string]map[string]int64 {
	out := make(map[string]map[string]int64, len(m))
	for key, inner := range m {
		out[key] = make(map[string]int64, len(inner))
		for sub, n := range inner {
			out[key][sub] = n
		}
	}
	return out
}

// percentile picks from sorted samples
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

var _ messaging.MetricsCollector = (*SimpleMetricsCollector)(nil)
