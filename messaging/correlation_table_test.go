package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationTableRegister(t *testing.T) {
	t.Run("registers pending entry", func(t *testing.T) {
		table := NewCorrelationTable()

		f, err := table.Register("a")
		require.NoError(t, err)
		assert.Equal(t, "a", f.CorrelationID())
		assert.True(t, table.Contains("a"))
		assert.Equal(t, 1, table.Len())
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		table := NewCorrelationTable()
		_, err := table.Register("a")
		require.NoError(t, err)

		_, err = table.Register("a")
		var dup *contracts.DuplicateIDError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "a", dup.CorrelationID)
		assert.ErrorIs(t, err, contracts.ErrDuplicateID)
		assert.Equal(t, 1, table.Len())
	})

	t.Run("id may be reused after completion", func(t *testing.T) {
		table := NewCorrelationTable()
		_, err := table.Register("a")
		require.NoError(t, err)
		table.Cancel("a")

		_, err = table.Register("a")
		assert.NoError(t, err)
	})
}

func TestCorrelationTableResolve(t *testing.T) {
	t.Run("resolves and removes entry", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")

		ok := table.Resolve("a", contracts.NewOKReply("a", 22))
		assert.True(t, ok)
		assert.False(t, table.Contains("a"))

		reply, err := f.Result()
		require.NoError(t, err)
		v, err := reply.Value()
		require.NoError(t, err)
		assert.Equal(t, 22.0, v)
	})

	t.Run("duplicate reply is a no-op", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")

		assert.True(t, table.Resolve("a", contracts.NewOKReply("a", 1)))
		assert.False(t, table.Resolve("a", contracts.NewOKReply("a", 2)))

		v, err := f.Value(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1.0, v)
	})

	t.Run("unknown id is dropped", func(t *testing.T) {
		table := NewCorrelationTable()
		assert.False(t, table.Resolve("missing", contracts.NewOKReply("missing", 1)))
		assert.Equal(t, 0, table.Len())
	})

	t.Run("nil reply is ignored", func(t *testing.T) {
		table := NewCorrelationTable()
		_, _ = table.Register("a")
		assert.False(t, table.Resolve("a", nil))
		assert.True(t, table.Contains("a"))
	})

	t.Run("error reply rejects with handler error", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")

		table.Resolve("a", contracts.NewErrorReply("a", contracts.CodeEmptyInput, "empty input"))

		_, err := f.Result()
		var herr *contracts.HandlerError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, "empty input", herr.Message)
	})

	t.Run("unknown operation reply", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")

		table.Resolve("a", contracts.NewErrorReply("a", contracts.CodeUnknownOperation, "product"))

		_, err := f.Result()
		assert.ErrorIs(t, err, contracts.ErrUnknownOperation)
	})
}

func TestCorrelationTableExpiry(t *testing.T) {
	t.Run("expire rejects with timeout", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")

		assert.True(t, table.Expire("a"))
		_, err := f.Result()
		assert.ErrorIs(t, err, contracts.ErrTimeout)
		assert.False(t, table.Contains("a"))

		// reply arriving after expiry is dropped
		assert.False(t, table.Resolve("a", contracts.NewOKReply("a", 1)))
	})

	t.Run("scheduled expiry fires", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")
		table.ScheduleExpiry("a", 20*time.Millisecond)

		select {
		case <-f.Done():
		case <-time.After(time.Second):
			t.Fatal("future did not expire")
		}

		_, err := f.Result()
		var terr *contracts.TimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, 20*time.Millisecond, terr.Timeout)
		assert.Equal(t, 0, table.Len())
	})

	t.Run("resolve stops the timer", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")
		table.ScheduleExpiry("a", 30*time.Millisecond)

		table.Resolve("a", contracts.NewOKReply("a", 5))
		time.Sleep(60 * time.Millisecond)

		_, err := f.Result()
		assert.NoError(t, err)
	})

	t.Run("stale timer does not expire a reused id", func(t *testing.T) {
		table := NewCorrelationTable()
		_, _ = table.Register("a")
		table.ScheduleExpiry("a", 20*time.Millisecond)
		table.Cancel("a")

		f2, err := table.Register("a")
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)

		assert.True(t, table.Contains("a"))
		select {
		case <-f2.Done():
			t.Fatal("new entry must not be expired by the old timer")
		default:
		}
	})

	t.Run("non-positive timeout is a no-op", func(t *testing.T) {
		table := NewCorrelationTable()
		_, _ = table.Register("a")
		table.ScheduleExpiry("a", 0)
		table.ScheduleExpiry("missing", time.Millisecond)

		assert.True(t, table.Contains("a"))
		assert.True(t, table.Pending()[0].Deadline.IsZero())
	})
}

func TestCorrelationTableSingleResolution(t *testing.T) {
	t.Run("resolve and expire race has one winner", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			table := NewCorrelationTable()
			id := fmt.Sprintf("id-%d", i)
			f, _ := table.Register(id)

			var wins atomic.Int32
			var wg sync.WaitGroup
			wg.Add(3)
			go func() {
				defer wg.Done()
				if table.Resolve(id, contracts.NewOKReply(id, 1)) {
					wins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				if table.Expire(id) {
					wins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				if table.Cancel(id) {
					wins.Add(1)
				}
			}()
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, 0, table.Len())
			<-f.Done()
		}
	})

	t.Run("concurrent registrations and resolutions", func(t *testing.T) {
		table := NewCorrelationTable()
		const n = 500

		futures := make([]*Future, n)
		for i := 0; i < n; i++ {
			f, err := table.Register(fmt.Sprintf("id-%d", i))
			require.NoError(t, err)
			futures[i] = f
		}

		var wg sync.WaitGroup
		for i := n - 1; i >= 0; i-- {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("id-%d", i)
				table.Resolve(id, contracts.NewOKReply(id, float64(i)))
			}(i)
		}
		wg.Wait()

		for i, f := range futures {
			v, err := f.Value(context.Background())
			require.NoError(t, err)
			assert.Equal(t, float64(i), v)
		}
		assert.Equal(t, 0, table.Len())
	})
}

func TestCorrelationTableRejectAndCancel(t *testing.T) {
	t.Run("reject with transport error", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")

		cause := errors.New("broker down")
		assert.True(t, table.Reject("a", &contracts.TransportError{CorrelationID: "a", Topic: "sum", Err: cause}))

		_, err := f.Result()
		assert.ErrorIs(t, err, contracts.ErrTransport)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("cancel", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")

		assert.True(t, f.Cancel())
		assert.False(t, f.Cancel())

		_, err := f.Result()
		assert.ErrorIs(t, err, contracts.ErrCancelled)
		assert.False(t, table.Contains("a"))
	})

	t.Run("reject all", func(t *testing.T) {
		table := NewCorrelationTable()
		f1, _ := table.Register("a")
		f2, _ := table.Register("b")
		table.ScheduleExpiry("a", time.Hour)

		assert.Equal(t, 2, table.RejectAll(contracts.ErrClosed))
		assert.Equal(t, 0, table.Len())

		_, err := f1.Result()
		assert.ErrorIs(t, err, contracts.ErrClosed)
		_, err = f2.Result()
		assert.ErrorIs(t, err, contracts.ErrClosed)
	})

	t.Run("pending snapshot oldest first", func(t *testing.T) {
		table := NewCorrelationTable()
		_, _ = table.Register("first")
		time.Sleep(2 * time.Millisecond)
		_, _ = table.Register("second")
		table.ScheduleExpiry("second", time.Minute)

		pending := table.Pending()
		require.Len(t, pending, 2)
		assert.Equal(t, "first", pending[0].CorrelationID)
		assert.Equal(t, "second", pending[1].CorrelationID)
		assert.False(t, pending[1].Deadline.IsZero())
		assert.GreaterOrEqual(t, pending[0].Age, pending[1].Age)
	})
}

func TestFutureWait(t *testing.T) {
	t.Run("context end cancels the request", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := f.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, table.Contains("a"))

		// the future itself completed as cancelled
		_, err = f.Result()
		assert.ErrorIs(t, err, contracts.ErrCancelled)
	})

	t.Run("returns reply that raced the context", func(t *testing.T) {
		table := NewCorrelationTable()
		f, _ := table.Register("a")
		table.Resolve("a", contracts.NewOKReply("a", 3))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		reply, err := f.Wait(ctx)
		if err == nil {
			assert.True(t, reply.IsSuccess())
		} else {
			t.Fatalf("completed future must return its result, got %v", err)
		}
	})
}
