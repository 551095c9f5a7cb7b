package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransport           = errors.New("transport failure")
	ErrTimeout             = errors.New("request timed out")
	ErrDuplicateID         = errors.New("duplicate correlation id")
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrHandler             = errors.New("handler failed")
	ErrCancelled           = errors.New("request cancelled")
	ErrClosed              = errors.New("closed")
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrIncompatibleVersion = errors.New("incompatible envelope version")
)

// TransportError is returned when a request could not be handed to the bus
type TransportError struct {
	CorrelationID string
	Topic         string
	Err           error
}

func (e *TransportError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("transport error: publish %s to %s: %v", e.CorrelationID, e.Topic, e.Err)
	}
	return fmt.Sprintf("transport error: %s: %v", e.Topic, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// TimeoutError is returned when no reply arrived before the deadline
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %v", e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// DuplicateIDError is returned when a correlation id is already pending
type DuplicateIDError struct {
	CorrelationID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("correlation id %s is already pending", e.CorrelationID)
}

func (e *DuplicateIDError) Unwrap() error {
	return ErrDuplicateID
}

// UnknownOperationError is returned when no worker handler matches the operation
type UnknownOperationError struct {
	CorrelationID string
	Operation     string
	Message       string
}

func (e *UnknownOperationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", CodeUnknownOperation, e.Message)
	}
	return fmt.Sprintf("%s: %s", CodeUnknownOperation, e.Operation)
}

func (e *UnknownOperationError) Unwrap() error {
	return ErrUnknownOperation
}

// HandlerError is returned when a worker handler failed
type HandlerError struct {
	CorrelationID string
	Code          string
	Message       string
}

// NewHandlerError creates a handler error with a reply code
func NewHandlerError(code, message string) *HandlerError {
	return &HandlerError{Code: code, Message: message}
}

func (e *HandlerError) Error() string {
	code := e.Code
	if code == "" {
		code = CodeHandlerError
	}
	return fmt.Sprintf("%s: %s", code, e.Message)
}

func (e *HandlerError) Unwrap() error {
	return ErrHandler
}

// IsTransient reports whether a retry could succeed. Only transport
// failures qualify; worker verdicts and deadlines do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrHandler),
		errors.Is(err, ErrUnknownOperation),
		errors.Is(err, ErrDuplicateID):
		return false
	}
	return errors.Is(err, ErrTransport)
}
