package tracing

import (
	"strconv"

	"github.com/openzipkin/zipkin-go/model"
)

// Header keys carrying the span context inside envelope headers
const (
	HeaderTraceID      = "x-b3-traceid"
	HeaderSpanID       = "x-b3-spanid"
	HeaderParentSpanID = "x-b3-parentspanid"
	HeaderSampled      = "x-b3-sampled"
)

// ExtractHeaders attempts to extract a span context from envelope headers
func ExtractHeaders(headers map[string]string) (span model.SpanContext, ok bool) {
	if len(headers) == 0 {
		return span, false
	}

	id, err := strconv.ParseUint(headers[HeaderSpanID], 16, 64)
	if err != nil {
		return span, false
	}

	trace, err := model.TraceIDFromHex(headers[HeaderTraceID])
	if err != nil {
		return span, false
	}

	sampled := headers[HeaderSampled] == "1"

	span.ID = model.ID(id)
	span.TraceID = trace
	span.Sampled = &sampled

	if parent, err := strconv.ParseUint(headers[HeaderParentSpanID], 16, 64); err == nil {
		typed := model.ID(parent)
		span.ParentID = &typed
	}

	return span, true
}

// InjectHeaders writes the span context into headers
func InjectHeaders(headers map[string]string, span model.SpanContext) {
	sampled := "0"
	if span.Sampled != nil && *span.Sampled {
		sampled = "1"
	}

	headers[HeaderTraceID] = span.TraceID.String()
	headers[HeaderSpanID] = span.ID.String()
	headers[HeaderSampled] = sampled
	if span.ParentID != nil {
		headers[HeaderParentSpanID] = span.ParentID.String()
	} else {
		delete(headers, HeaderParentSpanID)
	}
}
