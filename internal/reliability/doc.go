// Package reliability provides the retry and circuit breaking used on bus
// publish paths.
//
//   - Retry policies: exponential backoff and fixed delay with a bounded attempt count
//   - Circuit breaker: fails publishes fast while the bus keeps rejecting them
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithName("publish"),
//	    WithFailureThreshold(5),
//	    WithTimeout(10 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return bus.Publish(ctx, topic, msg)
//	})
package reliability
