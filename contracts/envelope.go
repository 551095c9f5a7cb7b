package contracts

import (
	"time"

	"github.com/google/uuid"
)

// ReplyStatus tells whether a reply carries a result or an error
type ReplyStatus string

const (
	StatusOK    ReplyStatus = "ok"
	StatusError ReplyStatus = "error"
)

// Error codes carried by error replies
const (
	CodeUnknownOperation    = "UNKNOWN_OPERATION"
	CodeHandlerError        = "HANDLER_ERROR"
	CodeHandlerPanic        = "HANDLER_PANIC"
	CodeHandlerTimeout      = "HANDLER_TIMEOUT"
	CodeEmptyInput          = "EMPTY_INPUT"
	CodeInvalidPayload      = "INVALID_PAYLOAD"
	CodeIncompatibleVersion = "INCOMPATIBLE_VERSION"
)

// RequestEnvelope is the message a client publishes to a request topic
type RequestEnvelope struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId"`
	Operation     string            `json:"operation"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	Payload       []float64         `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version,omitempty"`
}

// NewRequestEnvelope creates a request for the given operation
func NewRequestEnvelope(correlationID, operation, replyTo string, payload []float64) *RequestEnvelope {
	values := make([]float64, len(payload))
	copy(values, payload)

	return &RequestEnvelope{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Operation:     operation,
		ReplyTo:       replyTo,
		Payload:       values,
		Headers:       make(map[string]string),
		Timestamp:     time.Now().UTC(),
		Version:       EnvelopeVersion,
	}
}

// Clone returns a deep copy so handlers never share payload or headers
func (r *RequestEnvelope) Clone() *RequestEnvelope {
	c := *r
	c.Payload = make([]float64, len(r.Payload))
	copy(c.Payload, r.Payload)
	c.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		c.Headers[k] = v
	}
	return &c
}

// ErrorDetail describes why a request failed on the worker
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReplyEnvelope is the message a worker publishes back to the reply topic
type ReplyEnvelope struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId"`
	Status        ReplyStatus       `json:"status"`
	Result        *float64          `json:"result,omitempty"`
	Error         *ErrorDetail      `json:"error,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version,omitempty"`
}

// NewOKReply creates a successful reply for a correlation id
func NewOKReply(correlationID string, result float64) *ReplyEnvelope {
	return &ReplyEnvelope{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Status:        StatusOK,
		Result:        &result,
		Headers:       make(map[string]string),
		Timestamp:     time.Now().UTC(),
		Version:       EnvelopeVersion,
	}
}

// NewErrorReply creates an error reply for a correlation id
func NewErrorReply(correlationID, code, message string) *ReplyEnvelope {
	return &ReplyEnvelope{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Status:        StatusError,
		Error:         &ErrorDetail{Code: code, Message: message},
		Headers:       make(map[string]string),
		Timestamp:     time.Now().UTC(),
		Version:       EnvelopeVersion,
	}
}

// IsSuccess reports whether the reply carries a result
func (r *ReplyEnvelope) IsSuccess() bool {
	return r.Status == StatusOK
}

// Err converts an error reply into the matching error type.
// It returns nil for successful replies.
func (r *ReplyEnvelope) Err() error {
	if r.IsSuccess() {
		return nil
	}

	code, message := CodeHandlerError, "worker returned an error reply"
	if r.Error != nil {
		code, message = r.Error.Code, r.Error.Message
	}

	if code == CodeUnknownOperation {
		return &UnknownOperationError{CorrelationID: r.CorrelationID, Message: message}
	}
	return &HandlerError{CorrelationID: r.CorrelationID, Code: code, Message: message}
}

// Value returns the numeric result or the error the reply carries
func (r *ReplyEnvelope) Value() (float64, error) {
	if err := r.Err(); err != nil {
		return 0, err
	}
	if r.Result == nil {
		return 0, &HandlerError{
			CorrelationID: r.CorrelationID,
			Code:          CodeInvalidPayload,
			Message:       "reply has no result",
		}
	}
	return *r.Result, nil
}
