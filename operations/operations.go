// Package operations holds the numeric handlers served by workers.
package operations

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/messaging"
)

// DefaultOperation is the operation served when none are configured
const DefaultOperation = "math.sum"

// Kinds of handlers
const (
	KindSum = "sum"
	KindMax = "max"
	KindMin = "min"
)

// Option configures a handler
type Option func(*options)

type options struct {
	delay time.Duration
}

// WithDelay makes the handler wait before computing, as a slow worker would.
// The wait ends early when the request context is done.
func WithDelay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

type reducer func(acc, v float64) float64

func newHandler(reduce reducer, opts ...Option) messaging.Handler {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	return messaging.HandlerFunc(func(ctx context.Context, req *contracts.RequestEnvelope) (float64, error) {
		if len(req.Payload) == 0 {
			return 0, contracts.NewHandlerError(contracts.CodeEmptyInput, "empty input")
		}

		if o.delay > 0 {
			timer := time.NewTimer(o.delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		acc := req.Payload[0]
		for _, v := range req.Payload[1:] {
			acc = reduce(acc, v)
		}
		return acc, nil
	})
}

// Sum returns a handler adding all inputs
func Sum(opts ...Option) messaging.Handler {
	return newHandler(func(acc, v float64) float64 { return acc + v }, opts...)
}

// Max returns a handler picking the largest input
func Max(opts ...Option) messaging.Handler {
	return newHandler(math.Max, opts...)
}

// Min returns a handler picking the smallest input
func Min(opts ...Option) messaging.Handler {
	return newHandler(math.Min, opts...)
}

// New returns the handler of a kind
func New(kind string, opts ...Option) (messaging.Handler, error) {
	switch kind {
	case KindSum:
		return Sum(opts...), nil
	case KindMax:
		return Max(opts...), nil
	case KindMin:
		return Min(opts...), nil
	}
	return nil, fmt.Errorf("unknown handler kind %q", kind)
}

// KindOf derives the handler kind from an operation name: the part after
// the last dot, so math.max is served by max
func KindOf(operation string) string {
	if i := strings.LastIndex(operation, "."); i >= 0 {
		return operation[i+1:]
	}
	return operation
}

// ForOperations maps each operation to the kind its name implies
func ForOperations(operations []string) map[string]string {
	names := make(map[string]string, len(operations))
	for _, op := range operations {
		names[op] = KindOf(op)
	}
	return names
}

// Register adds a handler per entry of names, which maps operation names to
// handler kinds. A nil or empty map registers sum as math.sum.
func Register(registry *messaging.Registry, names map[string]string, opts ...Option) error {
	if len(names) == 0 {
		names = map[string]string{DefaultOperation: KindSum}
	}

	operations := make([]string, 0, len(names))
	for op := range names {
		operations = append(operations, op)
	}
	sort.Strings(operations)

	for _, op := range operations {
		handler, err := New(names[op], opts...)
		if err != nil {
			return fmt.Errorf("operation %s: %w", op, err)
		}
		if err := registry.Register(op, handler); err != nil {
			return err
		}
	}
	return nil
}
