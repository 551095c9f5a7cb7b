package interceptors

import (
	"context"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/messaging"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const requestInfoKey contextKey = "correlate:request-info"

// RequestInfo describes the request being handled
type RequestInfo struct {
	CorrelationID string
	Operation     string
	ReplyTo       string
	Inputs        int
	SentAt        time.Time
	ReceivedAt    time.Time
}

// Latency returns how long the request travelled before handling started
func (r RequestInfo) Latency() time.Duration {
	if r.SentAt.IsZero() {
		return 0
	}
	return r.ReceivedAt.Sub(r.SentAt)
}

// WithRequestInfo stores request info in the context
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey, info)
}

// RequestInfoFrom retrieves request info from the context
func RequestInfoFrom(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey).(RequestInfo)
	return info, ok
}

// RequestInfoInterceptor makes RequestInfo available to inner handlers
type RequestInfoInterceptor struct {
	now func() time.Time
}

// NewRequestInfoInterceptor creates a new request info interceptor
func NewRequestInfoInterceptor() *RequestInfoInterceptor {
	return &RequestInfoInterceptor{now: time.Now}
}

// Intercept implements Interceptor
func (i *RequestInfoInterceptor) Intercept(ctx context.Context, req *contracts.RequestEnvelope, next messaging.Handler) (float64, error) {
	info := RequestInfo{
		CorrelationID: req.CorrelationID,
		Operation:     req.Operation,
		ReplyTo:       req.ReplyTo,
		Inputs:        len(req.Payload),
		SentAt:        req.Timestamp,
		ReceivedAt:    i.now(),
	}
	return next.Handle(WithRequestInfo(ctx, info), req)
}

// Name implements Interceptor
func (i *RequestInfoInterceptor) Name() string {
	return "RequestInfoInterceptor"
}
