package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/glimte/correlate/contracts"
)

var (
	ErrRegistryFrozen = errors.New("registry is frozen")
	ErrHandlerExists  = errors.New("handler already registered")
	ErrInvalidHandler = errors.New("invalid handler registration")
)

// Handler computes the result for one request
type Handler interface {
	Handle(ctx context.Context, req *contracts.RequestEnvelope) (float64, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, req *contracts.RequestEnvelope) (float64, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req *contracts.RequestEnvelope) (float64, error) {
	return f(ctx, req)
}

// Registry maps operation names to handlers. It is filled at startup and
// frozen before the first request is served. Lookups on a frozen registry
// take no lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   atomic.Bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for an operation
func (r *Registry) Register(operation string, handler Handler) error {
	if operation == "" {
		return fmt.Errorf("%w: operation name cannot be empty", ErrInvalidHandler)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler for %s cannot be nil", ErrInvalidHandler, operation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("cannot register %s: %w", operation, ErrRegistryFrozen)
	}
	if _, exists := r.handlers[operation]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, operation)
	}

	r.handlers[operation] = handler
	return nil
}

// RegisterFunc adds a handler function for an operation
func (r *Registry) RegisterFunc(operation string, fn func(ctx context.Context, req *contracts.RequestEnvelope) (float64, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: handler for %s cannot be nil", ErrInvalidHandler, operation)
	}
	return r.Register(operation, HandlerFunc(fn))
}

// Freeze stops further registration
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// Frozen reports whether the registry stopped accepting registrations
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup returns the handler for an operation
func (r *Registry) Lookup(operation string) (Handler, bool) {
	if r.frozen.Load() {
		// the map is never written once frozen
		h, ok := r.handlers[operation]
		return h, ok
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[operation]
	return h, ok
}

// Names returns the registered operations in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered operations
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
