package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/messaging"
)

// Interceptor processes a request before it reaches the operation handler
type Interceptor interface {
	// Intercept processes a request and calls the next handler in the chain
	Intercept(ctx context.Context, req *contracts.RequestEnvelope, next messaging.Handler) (float64, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req *contracts.RequestEnvelope, next messaging.Handler) (float64, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req *contracts.RequestEnvelope, next messaging.Handler) (float64, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req *contracts.RequestEnvelope, next messaging.Handler) (float64, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors. It implements
// messaging.HandlerWrapper so a worker can install it directly.
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Execute runs req through the chain and then final
func (c *InterceptorChain) Execute(ctx context.Context, req *contracts.RequestEnvelope, final messaging.Handler) (float64, error) {
	return c.build(final).Handle(ctx, req)
}

// Wrap implements messaging.HandlerWrapper
func (c *InterceptorChain) Wrap(operation string, next messaging.Handler) messaging.Handler {
	return c.build(next)
}

// build nests interceptors so the first one added runs outermost
func (c *InterceptorChain) build(final messaging.Handler) messaging.Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.HandlerFunc(func(ctx context.Context, req *contracts.RequestEnvelope) (float64, error) {
			return interceptor.Intercept(ctx, req, next)
		})
	}
	return handler
}

// Built-in interceptors

// LoggingInterceptor logs request processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req *contracts.RequestEnvelope, next messaging.Handler) (float64, error) {
	start := time.Now()

	i.logger.Debug("processing request",
		"correlationId", req.CorrelationID,
		"operation", req.Operation,
		"inputs", len(req.Payload),
	)

	result, err := next.Handle(ctx, req)
	duration := time.Since(start)

	if err != nil {
		i.logger.Warn("request failed",
			"correlationId", req.CorrelationID,
			"operation", req.Operation,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("request processed",
			"correlationId", req.CorrelationID,
			"operation", req.Operation,
			"duration", duration,
		)
	}

	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// PayloadValidator validates a request before processing
type PayloadValidator interface {
	Validate(ctx context.Context, req *contracts.RequestEnvelope) error
}

// PayloadValidatorFunc is a function adapter for PayloadValidator
type PayloadValidatorFunc func(ctx context.Context, req *contracts.RequestEnvelope) error

// Validate implements PayloadValidator
func (f PayloadValidatorFunc) Validate(ctx context.Context, req *contracts.RequestEnvelope) error {
	return f(ctx, req)
}

// MaxPayloadLength rejects requests with more than n inputs
func MaxPayloadLength(n int) PayloadValidator {
	return PayloadValidatorFunc(func(ctx context.Context, req *contracts.RequestEnvelope) error {
		if len(req.Payload) > n {
			return fmt.Errorf("payload has %d inputs, limit is %d", len(req.Payload), n)
		}
		return nil
	})
}

// ValidationInterceptor validates requests before processing
type ValidationInterceptor struct {
	validator PayloadValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator PayloadValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor. Validation failures become
// INVALID_PAYLOAD replies.
func (i *ValidationInterceptor) Intercept(ctx context.Context, req *contracts.RequestEnvelope, next messaging.Handler) (float64, error) {
	if err := i.validator.Validate(ctx, req); err != nil {
		var herr *contracts.HandlerError
		if errors.As(err, &herr) {
			return 0, herr
		}
		return 0, contracts.NewHandlerError(contracts.CodeInvalidPayload, err.Error())
	}

	return next.Handle(ctx, req)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutInterceptor bounds the time a handler may run
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. The handler keeps running in the
// background after the deadline; it should watch ctx.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, req *contracts.RequestEnvelope, next messaging.Handler) (float64, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type result struct {
		value float64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		// the worker's recovery does not cover this goroutine
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: contracts.NewHandlerError(contracts.CodeHandlerPanic, fmt.Sprint(p))}
			}
		}()
		v, err := next.Handle(timeoutCtx, req)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, contracts.NewHandlerError(contracts.CodeHandlerTimeout,
			fmt.Sprintf("processing timeout after %v", i.timeout))
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// CircuitBreaker defines the interface for circuit breaker functionality
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor stops calling a failing handler for a while
type CircuitBreakerInterceptor struct {
	circuitBreaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(circuitBreaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{circuitBreaker: circuitBreaker}
}

// Intercept implements Interceptor. An open breaker yields a HANDLER_ERROR
// reply without calling the handler.
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, req *contracts.RequestEnvelope, next messaging.Handler) (float64, error) {
	var result float64
	var handlerErr error
	err := i.circuitBreaker.Execute(ctx, func() error {
		result, handlerErr = next.Handle(ctx, req)
		return handlerErr
	})
	if err != nil && handlerErr == nil && ctx.Err() == nil {
		return 0, contracts.NewHandlerError(contracts.CodeHandlerError, err.Error())
	}
	return result, err
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// Default interceptor chain builder

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithRequestInfo adds request info enrichment
func (b *DefaultInterceptorChainBuilder) WithRequestInfo() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRequestInfoInterceptor())
	return b
}

// WithValidation adds validation interceptor
func (b *DefaultInterceptorChainBuilder) WithValidation(validator PayloadValidator) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithTimeout adds timeout interceptor
func (b *DefaultInterceptorChainBuilder) WithTimeout(timeout time.Duration) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCircuitBreaker adds circuit breaker interceptor
func (b *DefaultInterceptorChainBuilder) WithCircuitBreaker(circuitBreaker CircuitBreaker) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(circuitBreaker))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
