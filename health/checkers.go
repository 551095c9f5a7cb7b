package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/correlate/messaging"
)

// BusChecker checks that the bus is reachable
type BusChecker struct {
	name string
	bus  messaging.Pinger
}

// NewBusChecker creates a checker for a bus that can be pinged
func NewBusChecker(name string, bus messaging.Pinger) *BusChecker {
	if name == "" {
		name = "bus"
	}
	return &BusChecker{name: name, bus: bus}
}

func (c *BusChecker) Name() string {
	return c.name
}

func (c *BusChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.bus.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Bus is not reachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Bus is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// PendingSource reports outstanding requests
type PendingSource interface {
	Pending() []messaging.PendingRequest
}

// PendingRequestsChecker reports a degraded client when too many requests
// are waiting for replies or the oldest has been waiting too long
type PendingRequestsChecker struct {
	table     PendingSource
	threshold int
	maxAge    time.Duration
}

// NewPendingRequestsChecker creates a backlog checker. A zero threshold or
// maxAge disables that limit.
func NewPendingRequestsChecker(table PendingSource, threshold int, maxAge time.Duration) *PendingRequestsChecker {
	return &PendingRequestsChecker{
		table:     table,
		threshold: threshold,
		maxAge:    maxAge,
	}
}

func (c *PendingRequestsChecker) Name() string {
	return "pending_requests"
}

func (c *PendingRequestsChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Pending requests are within limits",
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	pending := c.table.Pending()
	result.Details["pending"] = len(pending)

	var oldest time.Duration
	if len(pending) > 0 {
		oldest = pending[0].Age
		result.Details["oldest_correlation_id"] = pending[0].CorrelationID
	}
	result.Details["oldest_age_ms"] = oldest.Milliseconds()

	switch {
	case c.threshold > 0 && len(pending) > c.threshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d pending requests, limit is %d", len(pending), c.threshold)
	case c.maxAge > 0 && oldest > c.maxAge:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("oldest pending request is %v old, limit is %v", oldest.Round(time.Millisecond), c.maxAge)
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker reports a high goroutine count
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a new goroutine checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
