package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/correlate/contracts"
)

// Future is the caller's handle on a pending request. It completes exactly
// once with either a reply or an error.
type Future struct {
	id        string
	createdAt time.Time
	table     *CorrelationTable

	// guarded by table.mu
	deadline time.Time
	timeout  time.Duration
	timer    *time.Timer

	once  sync.Once
	done  chan struct{}
	reply *contracts.ReplyEnvelope
	err   error

	callbacks []func(*contracts.ReplyEnvelope, error)
}

func newFuture(id string, table *CorrelationTable) *Future {
	return &Future{
		id:        id,
		createdAt: time.Now(),
		table:     table,
		done:      make(chan struct{}),
	}
}

// CorrelationID returns the id the request was published with
func (f *Future) CorrelationID() string {
	return f.id
}

// CreatedAt returns when the request was registered
func (f *Future) CreatedAt() time.Time {
	return f.createdAt
}

// Done is closed once the future has completed
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (*contracts.ReplyEnvelope, error) {
	<-f.done
	return f.reply, f.err
}

// Wait blocks until the future completes or ctx ends. When ctx ends first
// the request is cancelled and ctx.Err() is returned.
func (f *Future) Wait(ctx context.Context) (*contracts.ReplyEnvelope, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		if !f.Cancel() {
			// completed while we were giving up
			return f.Result()
		}
		return nil, ctx.Err()
	}
}

// Value waits for the reply and extracts its numeric result
func (f *Future) Value(ctx context.Context) (float64, error) {
	reply, err := f.Wait(ctx)
	if err != nil {
		return 0, err
	}
	return reply.Value()
}

// Cancel abandons the request. A reply arriving later is dropped as unmatched.
// It returns false when the future had already completed.
func (f *Future) Cancel() bool {
	if f.table == nil {
		return f.complete(nil, contracts.ErrCancelled)
	}
	return f.table.Cancel(f.id)
}

// onComplete registers a callback run once on completion. It must be
// called before the future is reachable from other goroutines.
func (f *Future) onComplete(fn func(*contracts.ReplyEnvelope, error)) {
	f.callbacks = append(f.callbacks, fn)
}

// complete assigns the outcome. Only the first call has any effect.
// Callbacks run before waiters are released.
func (f *Future) complete(reply *contracts.ReplyEnvelope, err error) bool {
	completed := false
	f.once.Do(func() {
		f.reply = reply
		f.err = err
		for _, fn := range f.callbacks {
			fn(reply, err)
		}
		close(f.done)
		completed = true
	})
	return completed
}
