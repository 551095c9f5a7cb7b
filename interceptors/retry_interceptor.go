package interceptors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/internal/reliability"
	"github.com/glimte/correlate/messaging"
)

// RetryInterceptor re-runs a handler that failed with an uncoded error.
// Coded handler errors are verdicts and are returned at once.
type RetryInterceptor struct {
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements the Interceptor interface
func (r *RetryInterceptor) Intercept(ctx context.Context, req *contracts.RequestEnvelope, next messaging.Handler) (float64, error) {
	var result float64
	attempt := 0
	err := reliability.Retry(ctx, r.retryPolicy, func() error {
		attempt++
		v, err := next.Handle(ctx, req)
		if err == nil {
			result = v
			return nil
		}

		var herr *contracts.HandlerError
		if errors.As(err, &herr) {
			return reliability.Permanent(err)
		}
		r.logger.Debug("handler attempt failed",
			"correlationId", req.CorrelationID,
			"attempt", attempt,
			"error", err,
		)
		return err
	})
	if err != nil {
		return 0, unwrapRetry(err)
	}
	return result, nil
}

// unwrapRetry hands the worker the handler's own error so the reply code
// reflects it
func unwrapRetry(err error) error {
	var retryErr *reliability.RetryError
	if errors.As(err, &retryErr) {
		err = retryErr.LastError
	}
	var permanent *reliability.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return err
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
