// Package tracing records Zipkin spans for calls and handler invocations.
// The caller's producer span travels to the worker in the request envelope
// headers, where the consumer span picks it up as parent.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/messaging"
	zipkin "github.com/openzipkin/zipkin-go"
	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/reporter"
	httpreporter "github.com/openzipkin/zipkin-go/reporter/http"
)

// Span tags
const (
	OperationTag     = "correlate.operation"
	CorrelationIDTag = "correlate.correlation_id"
	InputsTag        = "correlate.inputs"
	ReplyCodeTag     = "correlate.reply.code"
)

// Config holds the tracer settings
type Config struct {
	ServiceName string
	ZipkinURL   string
}

// Validate checks the config
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("tracing: service name is required")
	}
	if c.ZipkinURL == "" {
		return errors.New("tracing: zipkin url is required")
	}
	return nil
}

// Tracer creates call and handler spans
type Tracer struct {
	Reporter reporter.Reporter
	Tracer   *zipkin.Tracer
}

// New creates a tracer that reports to a Zipkin collector over HTTP
func New(config Config) (*Tracer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return NewWithReporter(config.ServiceName, httpreporter.NewReporter(config.ZipkinURL))
}

// NewWithReporter creates a tracer on the given reporter
func NewWithReporter(serviceName string, rep reporter.Reporter) (*Tracer, error) {
	endpoint := &model.Endpoint{ServiceName: serviceName}
	tracer, err := zipkin.NewTracer(rep, zipkin.WithLocalEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	return &Tracer{Reporter: rep, Tracer: tracer}, nil
}

// Close flushes and closes the reporter
func (t *Tracer) Close() error {
	return t.Reporter.Close()
}

// ClientHook returns a call hook that opens a producer span per call and
// finishes it when the call resolves
func (t *Tracer) ClientHook() messaging.CallHook {
	return func(ctx context.Context, req *contracts.RequestEnvelope) func(*contracts.ReplyEnvelope, error) {
		options := []zipkin.SpanOption{zipkin.Kind(model.Producer)}
		if parent := zipkin.SpanFromContext(ctx); parent != nil {
			options = append(options, zipkin.Parent(parent.Context()))
		}

		span := t.Tracer.StartSpan("correlate.call."+req.Operation, options...)
		span.Tag(OperationTag, req.Operation)
		span.Tag(CorrelationIDTag, req.CorrelationID)
		span.Tag(InputsTag, fmt.Sprint(len(req.Payload)))

		if req.Headers == nil {
			req.Headers = make(map[string]string)
		}
		InjectHeaders(req.Headers, span.Context())

		return func(reply *contracts.ReplyEnvelope, err error) {
			if err == nil && reply != nil {
				err = reply.Err()
			}
			tagOutcome(span, err)
			span.Finish()
		}
	}
}

// Wrap implements messaging.HandlerWrapper. It opens a consumer span per
// invocation, parented on the caller's span when the headers carry one.
func (t *Tracer) Wrap(operation string, next messaging.Handler) messaging.Handler {
	return messaging.HandlerFunc(func(ctx context.Context, req *contracts.RequestEnvelope) (float64, error) {
		options := []zipkin.SpanOption{zipkin.Kind(model.Consumer)}
		if sc, ok := ExtractHeaders(req.Headers); ok {
			options = append(options, zipkin.Parent(sc))
		}

		span := t.Tracer.StartSpan("correlate.handle."+operation, options...)
		defer span.Finish()

		span.Tag(OperationTag, operation)
		span.Tag(CorrelationIDTag, req.CorrelationID)

		result, err := next.Handle(zipkin.NewContext(ctx, span), req)
		tagOutcome(span, err)
		return result, err
	})
}

func tagOutcome(span zipkin.Span, err error) {
	if err == nil {
		return
	}
	var herr *contracts.HandlerError
	var uerr *contracts.UnknownOperationError
	switch {
	case errors.As(err, &herr):
		span.Tag(ReplyCodeTag, herr.Code)
	case errors.As(err, &uerr):
		span.Tag(ReplyCodeTag, contracts.CodeUnknownOperation)
	}
	zipkin.TagError.Set(span, err.Error())
}
