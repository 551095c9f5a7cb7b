package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyListener(t *testing.T) {
	newListener := func(t *testing.T) (*fakeBus, *CorrelationTable, *recordingMetrics, *ReplyListener) {
		bus := newFakeBus()
		table := NewCorrelationTable()
		metrics := newRecordingMetrics()
		listener := NewReplyListener(bus, table, "sum.reply", WithListenerMetrics(metrics))
		require.NoError(t, listener.Start(context.Background()))
		t.Cleanup(func() { listener.Stop() })
		return bus, table, metrics, listener
	}

	publishReply := func(bus *fakeBus, data []byte) {
		_ = bus.Publish(context.Background(), "sum.reply", Message{Value: data})
	}

	t.Run("reply subscription is ephemeral", func(t *testing.T) {
		bus := newFakeBus()
		listener := NewReplyListener(bus, NewCorrelationTable(), "sum.reply", WithListenerGroup("client-a"))
		require.NoError(t, listener.Start(context.Background()))
		defer listener.Stop()

		cfg := bus.subscribeConfig("sum.reply")
		assert.Equal(t, "client-a", cfg.Group)
		assert.True(t, cfg.Ephemeral)
	})

	t.Run("resolves matching reply", func(t *testing.T) {
		bus, table, _, _ := newListener(t)
		f, _ := table.Register("a")

		publishReply(bus, encodeReply(t, contracts.NewOKReply("a", 22)))
		waitDone(t, f)

		v, err := f.Value(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 22.0, v)
	})

	t.Run("out of order replies resolve their own requests", func(t *testing.T) {
		bus, table, _, _ := newListener(t)
		fa, _ := table.Register("a")
		fb, _ := table.Register("b")

		publishReply(bus, encodeReply(t, contracts.NewOKReply("b", 2)))
		publishReply(bus, encodeReply(t, contracts.NewOKReply("a", 1)))
		waitDone(t, fa)
		waitDone(t, fb)

		va, _ := fa.Value(context.Background())
		vb, _ := fb.Value(context.Background())
		assert.Equal(t, 1.0, va)
		assert.Equal(t, 2.0, vb)
	})

	t.Run("malformed reply is dropped and loop continues", func(t *testing.T) {
		bus, table, metrics, _ := newListener(t)
		f, _ := table.Register("a")

		publishReply(bus, []byte("garbage"))
		publishReply(bus, []byte(`{"status":"ok","result":1}`))
		publishReply(bus, encodeReply(t, contracts.NewOKReply("a", 7)))
		waitDone(t, f)

		assert.Equal(t, 2, metrics.droppedCount(DropMalformed))
		v, err := f.Value(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 7.0, v)
	})

	t.Run("duplicate and unmatched replies are dropped", func(t *testing.T) {
		bus, table, metrics, _ := newListener(t)
		f, _ := table.Register("a")

		publishReply(bus, encodeReply(t, contracts.NewOKReply("a", 1)))
		publishReply(bus, encodeReply(t, contracts.NewOKReply("a", 99)))
		publishReply(bus, encodeReply(t, contracts.NewOKReply("someone-else", 3)))

		require.Eventually(t, func() bool {
			return metrics.droppedCount(DropUnmatched) == 2
		}, time.Second, 5*time.Millisecond)

		v, _ := f.Value(context.Background())
		assert.Equal(t, 1.0, v)
	})

	t.Run("start twice fails and stop is idempotent", func(t *testing.T) {
		_, _, _, listener := newListener(t)

		assert.Error(t, listener.Start(context.Background()))
		assert.NoError(t, listener.Stop())
		assert.NoError(t, listener.Stop())
	})

	t.Run("stop closes the subscription", func(t *testing.T) {
		bus, _, _, listener := newListener(t)
		assert.Equal(t, 1, bus.subscriberCount("sum.reply"))

		require.NoError(t, listener.Stop())
		assert.Equal(t, 0, bus.subscriberCount("sum.reply"))
	})

	t.Run("run returns when context ends", func(t *testing.T) {
		bus := newFakeBus()
		listener := NewReplyListener(bus, NewCorrelationTable(), "sum.reply")

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- listener.Run(ctx) }()

		require.Eventually(t, func() bool {
			return bus.subscriberCount("sum.reply") == 1
		}, time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("run did not return")
		}
	})
}
