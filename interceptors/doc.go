// Package interceptors provides a handler interceptor chain for workers.
//
// An InterceptorChain implements messaging.HandlerWrapper, so it can be passed
// to a worker with messaging.WithHandlerWrapper. Every registered operation is
// then wrapped by the same interceptors.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each request with timing information
//   - RequestInfoInterceptor: exposes correlation id and operation through the context
//   - ValidationInterceptor: rejects requests as INVALID_PAYLOAD
//   - TimeoutInterceptor: turns slow handlers into HANDLER_TIMEOUT replies
//   - RetryInterceptor: re-runs handlers that failed with uncoded errors
//   - CircuitBreakerInterceptor: stops calling a failing handler for a while
//
// Example usage:
//
//	chain := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithLogging().
//		WithValidation(interceptors.MaxPayloadLength(1000)).
//		WithTimeout(2 * time.Second).
//		Build()
//
//	worker, err := messaging.NewWorkerDispatcher(bus, registry,
//		messaging.WithHandlerWrapper(chain))
//
// Interceptors run in the order they are added, with the operation handler
// called last.
package interceptors
