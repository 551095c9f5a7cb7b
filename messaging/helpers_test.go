package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/serialization"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeBus broadcasts every publish to the subscribers of the topic
type fakeBus struct {
	mu         sync.Mutex
	subs       map[string][]*fakeSub
	published  []publishedMessage
	publishErr error
	offset     int64
	subConfigs map[string]SubscribeConfig
}

type publishedMessage struct {
	Topic   string
	Message Message
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		subs:       make(map[string][]*fakeSub),
		subConfigs: make(map[string]SubscribeConfig),
	}
}

func (b *fakeBus) Publish(ctx context.Context, topic string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return b.publishErr
	}

	b.published = append(b.published, publishedMessage{Topic: topic, Message: msg})
	b.offset++
	d := Delivery{Message: msg, Topic: topic, Offset: b.offset, Timestamp: time.Now()}
	for _, s := range b.subs[topic] {
		s.ch <- d
	}
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subConfigs[topic] = ApplySubscribeOptions(opts...)
	s := &fakeSub{bus: b, topic: topic, ch: make(chan Delivery, 1024)}
	b.subs[topic] = append(b.subs[topic], s)
	return s, nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) setPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *fakeBus) publishedTo(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, p := range b.published {
		if p.Topic == topic {
			out = append(out, p.Message)
		}
	}
	return out
}

func (b *fakeBus) subscribeConfig(topic string) SubscribeConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subConfigs[topic]
}

func (b *fakeBus) subscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

type fakeSub struct {
	bus    *fakeBus
	topic  string
	ch     chan Delivery
	closed bool
}

func (s *fakeSub) Messages() <-chan Delivery { return s.ch }

func (s *fakeSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	subs := s.bus.subs[s.topic]
	for i, other := range subs {
		if other == s {
			s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

// MockPublisher is a mock implementation of Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, msg Message) error {
	args := m.Called(ctx, topic, msg)
	return args.Error(0)
}

// recordingMetrics keeps every call in memory
type recordingMetrics struct {
	mu       sync.Mutex
	calls    int
	outcomes map[string]int
	dropped  map[string]int
	handled  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		outcomes: make(map[string]int),
		dropped:  make(map[string]int),
		handled:  make(map[string]int),
	}
}

func (m *recordingMetrics) RecordCall(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
}

func (m *recordingMetrics) RecordOutcome(topic, outcome string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *recordingMetrics) RecordDropped(topic, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *recordingMetrics) RecordHandled(operation, code string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled[code]++
}

func (m *recordingMetrics) droppedCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *recordingMetrics) outcomeCount(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[outcome]
}

func encodeReply(t *testing.T, reply *contracts.ReplyEnvelope) []byte {
	t.Helper()
	data, err := serialization.NewJSONCodec().EncodeReply(reply)
	require.NoError(t, err)
	return data
}

func encodeRequest(t *testing.T, req *contracts.RequestEnvelope) []byte {
	t.Helper()
	data, err := serialization.NewJSONCodec().EncodeRequest(req)
	require.NoError(t, err)
	return data
}

func decodeReply(t *testing.T, data []byte) *contracts.ReplyEnvelope {
	t.Helper()
	reply, err := serialization.NewJSONCodec().DecodeReply(data)
	require.NoError(t, err)
	return reply
}

func decodeRequest(t *testing.T, data []byte) *contracts.RequestEnvelope {
	t.Helper()
	req, err := serialization.NewJSONCodec().DecodeRequest(data)
	require.NoError(t, err)
	return req
}
