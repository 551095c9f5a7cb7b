package messaging

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/correlate/contracts"
)

// CorrelationTable maps correlation ids to pending futures. Every
// resolution path removes the entry under the lock first, so exactly one of
// resolve, expire, reject or cancel wins for a given request.
type CorrelationTable struct {
	mu      sync.Mutex
	pending map[string]*Future
	logger  *slog.Logger
}

// TableOption configures a correlation table
type TableOption func(*CorrelationTable)

// WithTableLogger sets the logger
func WithTableLogger(logger *slog.Logger) TableOption {
	return func(t *CorrelationTable) {
		t.logger = logger
	}
}

// NewCorrelationTable creates an empty table
func NewCorrelationTable(opts ...TableOption) *CorrelationTable {
	t := &CorrelationTable{
		pending: make(map[string]*Future),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Register adds a pending entry for id
func (t *CorrelationTable) Register(id string) (*Future, error) {
	return t.register(id, nil)
}

// register inserts a future whose completion callback is set before any
// other goroutine can reach it
func (t *CorrelationTable) register(id string, onDone func(*contracts.ReplyEnvelope, error)) (*Future, error) {
	f := newFuture(id, t)
	if onDone != nil {
		f.onComplete(onDone)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		return nil, &contracts.DuplicateIDError{CorrelationID: id}
	}

	t.pending[id] = f
	return f, nil
}

// ScheduleExpiry arms a timer that expires the entry after timeout.
// It is a no-op when the entry is gone or timeout is not positive.
func (t *CorrelationTable) ScheduleExpiry(id string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, exists := t.pending[id]
	if !exists {
		return
	}

	if f.timer != nil {
		f.timer.Stop()
	}
	f.timeout = timeout
	f.deadline = time.Now().Add(timeout)
	f.timer = time.AfterFunc(timeout, func() {
		t.expireFuture(f)
	})
}

// Resolve completes the entry with a reply. Unknown ids are dropped and
// reported by returning false.
func (t *CorrelationTable) Resolve(id string, reply *contracts.ReplyEnvelope) bool {
	if reply == nil {
		return false
	}

	f := t.remove(id)
	if f == nil {
		t.logger.Debug("dropping unmatched reply",
			"correlationId", id,
		)
		return false
	}

	return f.complete(reply, reply.Err())
}

// Expire fails the entry with a TimeoutError
func (t *CorrelationTable) Expire(id string) bool {
	f := t.remove(id)
	if f == nil {
		return false
	}
	return f.complete(nil, &contracts.TimeoutError{CorrelationID: id, Timeout: f.timeout})
}

// Reject fails the entry with err
func (t *CorrelationTable) Reject(id string, err error) bool {
	f := t.remove(id)
	if f == nil {
		return false
	}
	return f.complete(nil, err)
}

// Cancel fails the entry with ErrCancelled
func (t *CorrelationTable) Cancel(id string) bool {
	return t.Reject(id, contracts.ErrCancelled)
}

// RejectAll fails every pending entry with err and returns how many there were
func (t *CorrelationTable) RejectAll(err error) int {
	t.mu.Lock()
	futures := make([]*Future, 0, len(t.pending))
	for id, f := range t.pending {
		if f.timer != nil {
			f.timer.Stop()
		}
		delete(t.pending, id)
		futures = append(futures, f)
	}
	t.mu.Unlock()

	for _, f := range futures {
		f.complete(nil, err)
	}
	return len(futures)
}

// Len returns the number of pending entries
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Contains reports whether id is pending
func (t *CorrelationTable) Contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.pending[id]
	return exists
}

// PendingRequest describes an outstanding request
type PendingRequest struct {
	CorrelationID string
	CreatedAt     time.Time
	Deadline      time.Time
	Age           time.Duration
}

// Pending returns a snapshot of outstanding requests, oldest first
func (t *CorrelationTable) Pending() []PendingRequest {
	now := time.Now()

	t.mu.Lock()
	out := make([]PendingRequest, 0, len(t.pending))
	for id, f := range t.pending {
		out = append(out, PendingRequest{
			CorrelationID: id,
			CreatedAt:     f.createdAt,
			Deadline:      f.deadline,
			Age:           now.Sub(f.createdAt),
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *CorrelationTable) remove(id string) *Future {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, exists := t.pending[id]
	if !exists {
		return nil
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	delete(t.pending, id)
	return f
}

// expireFuture only expires the exact entry the timer was armed for
func (t *CorrelationTable) expireFuture(f *Future) {
	t.mu.Lock()
	current, exists := t.pending[f.id]
	if !exists || current != f {
		t.mu.Unlock()
		return
	}
	delete(t.pending, f.id)
	timeout := f.timeout
	t.mu.Unlock()

	f.complete(nil, &contracts.TimeoutError{CorrelationID: f.id, Timeout: timeout})
}
