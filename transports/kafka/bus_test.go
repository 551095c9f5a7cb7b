package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/messaging"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("requires brokers", func(t *testing.T) {
		_, err := New(nil)
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		bus, err := New([]string{"localhost:9092"})
		require.NoError(t, err)
		defer bus.Close()

		assert.True(t, bus.writer.AllowAutoTopicCreation)
		assert.Equal(t, 10*time.Millisecond, bus.writer.BatchTimeout)
		assert.Equal(t, kafkago.FirstOffset, bus.config.StartOffset)
	})

	t.Run("options", func(t *testing.T) {
		bus, err := New([]string{"a:9092", "b:9092"},
			WithAutoCreateTopics(false),
			WithBatchTimeout(time.Millisecond),
			WithMaxWait(50*time.Millisecond),
			WithStartOffset(kafkago.LastOffset),
		)
		require.NoError(t, err)
		defer bus.Close()

		assert.False(t, bus.writer.AllowAutoTopicCreation)
		assert.Equal(t, time.Millisecond, bus.writer.BatchTimeout)

		rc := bus.readerConfig("math.sum", "consumer-group")
		assert.Equal(t, []string{"a:9092", "b:9092"}, rc.Brokers)
		assert.Equal(t, "math.sum", rc.Topic)
		assert.Equal(t, "consumer-group", rc.GroupID)
		assert.Equal(t, 50*time.Millisecond, rc.MaxWait)
		assert.Equal(t, kafkago.LastOffset, rc.StartOffset)
	})
}

func TestMessageConversion(t *testing.T) {
	t.Run("outbound", func(t *testing.T) {
		m := toKafkaMessage("math.sum", messaging.Message{
			Key:   "req-1",
			Value: []byte(`{}`),
			Headers: map[string]string{
				messaging.HeaderCorrelationID: "req-1",
				"b3":                          "x",
			},
		})

		assert.Equal(t, "math.sum", m.Topic)
		assert.Equal(t, []byte("req-1"), m.Key)
		assert.Equal(t, []byte(`{}`), m.Value)
		assert.Equal(t, []kafkago.Header{
			{Key: "b3", Value: []byte("x")},
			{Key: messaging.HeaderCorrelationID, Value: []byte("req-1")},
		}, m.Headers)
	})

	t.Run("empty key and headers", func(t *testing.T) {
		m := toKafkaMessage("math.sum", messaging.Message{Value: []byte("v")})
		assert.Nil(t, m.Key)
		assert.Nil(t, m.Headers)
	})

	t.Run("inbound", func(t *testing.T) {
		at := time.Now()
		d := fromKafkaMessage(kafkago.Message{
			Topic:     "math.sum.reply",
			Partition: 2,
			Offset:    41,
			Key:       []byte("req-1"),
			Value:     []byte("v"),
			Time:      at,
			Headers: []kafkago.Header{
				{Key: "h", Value: []byte("1")},
				{Key: "h", Value: []byte("2")},
			},
		})

		assert.Equal(t, "math.sum.reply", d.Topic)
		assert.Equal(t, 2, d.Partition)
		assert.Equal(t, int64(41), d.Offset)
		assert.Equal(t, "req-1", d.Key)
		assert.Equal(t, at, d.Timestamp)
		assert.Equal(t, map[string]string{"h": "2"}, d.Headers)
	})
}

func TestClosedBus(t *testing.T) {
	bus, err := New([]string{"localhost:9092"})
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err = bus.Publish(context.Background(), "math.sum", messaging.Message{})
	assert.ErrorIs(t, err, contracts.ErrClosed)
	assert.ErrorIs(t, err, contracts.ErrTransport)

	_, err = bus.Subscribe(context.Background(), "math.sum")
	assert.ErrorIs(t, err, contracts.ErrClosed)
}

func TestPingUnreachable(t *testing.T) {
	bus, err := New([]string{"127.0.0.1:1"})
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, bus.Ping(ctx), contracts.ErrTransport)
}
