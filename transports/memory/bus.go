// Package memory provides an in-process partitioned bus. Each topic has a
// fixed number of partitions with their own offsets; records with the same
// key land on the same partition. Consumer groups behave as on a broker:
// every group receives each record once, split across its members by
// partition.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/messaging"
)

// Bus is an in-memory messaging.Bus
type Bus struct {
	mu         sync.Mutex
	partitions int
	buffer     int
	duplicate  bool
	publishErr func(topic string, msg messaging.Message) error
	offsets    map[string][]int64
	groups     map[string]map[string]*group
	closed     bool
	logger     *slog.Logger
	nextMember int
}

type group struct {
	members []*subscription
}

// Option configures the bus
type Option func(*Bus)

// WithPartitions sets the partition count per topic
func WithPartitions(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithBuffer sets the per-subscription delivery buffer
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithDuplicateDelivery delivers every record twice, as an at-least-once
// broker may after a consumer restart
func WithDuplicateDelivery() Option {
	return func(b *Bus) {
		b.duplicate = true
	}
}

// WithPublishFault makes Publish fail whenever fn returns an error
func WithPublishFault(fn func(topic string, msg messaging.Message) error) Option {
	return func(b *Bus) {
		b.publishErr = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates an in-memory bus
func New(opts ...Option) *Bus {
	b := &Bus{
		partitions: 4,
		buffer:     256,
		offsets:    make(map[string][]int64),
		groups:     make(map[string]map[string]*group),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish implements messaging.Publisher
func (b *Bus) Publish(ctx context.Context, topic string, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return &contracts.TransportError{Topic: topic, Err: err}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &contracts.TransportError{Topic: topic, Err: contracts.ErrClosed}
	}
	if b.publishErr != nil {
		if err := b.publishErr(topic, msg); err != nil {
			b.mu.Unlock()
			return &contracts.TransportError{Topic: topic, Err: err}
		}
	}

	partition := b.partitionFor(msg.Key)
	offsets := b.topicOffsets(topic)
	offsets[partition]++

	d := messaging.Delivery{
		Message:   copyMessage(msg),
		Topic:     topic,
		Partition: partition,
		Offset:    offsets[partition],
		Timestamp: time.Now(),
	}

	var targets []*subscription
	for _, g := range b.groups[topic] {
		if len(g.members) > 0 {
			targets = append(targets, g.members[partition%len(g.members)])
		}
	}
	b.mu.Unlock()

	copies := 1
	if b.duplicate {
		copies = 2
	}

	// delivery happens outside the bus lock so consumers may publish while we block
	for _, member := range targets {
		for i := 0; i < copies; i++ {
			if !member.deliver(ctx, d) {
				return &contracts.TransportError{Topic: topic, Err: ctx.Err()}
			}
		}
	}

	return nil
}

// Inject delivers raw bytes to a topic, bypassing any codec
func (b *Bus) Inject(ctx context.Context, topic string, value []byte) error {
	return b.Publish(ctx, topic, messaging.Message{Value: value})
}

// Subscribe implements messaging.Subscriber
func (b *Bus) Subscribe(ctx context.Context, topic string, opts ...messaging.SubscribeOption) (messaging.Subscription, error) {
	cfg := messaging.ApplySubscribeOptions(opts...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, &contracts.TransportError{Topic: topic, Err: contracts.ErrClosed}
	}

	name := cfg.Group
	if name == "" {
		b.nextMember++
		name = fmt.Sprintf("anonymous-%d", b.nextMember)
	}

	groups, ok := b.groups[topic]
	if !ok {
		groups = make(map[string]*group)
		b.groups[topic] = groups
	}
	g, ok := groups[name]
	if !ok {
		g = &group{}
		groups[name] = g
	}

	sub := &subscription{
		bus:   b,
		topic: topic,
		group: name,
		ch:    make(chan messaging.Delivery, b.buffer),
		done:  make(chan struct{}),
	}
	g.members = append(g.members, sub)

	b.logger.Debug("memory subscription opened",
		"topic", topic,
		"group", name,
		"members", len(g.members),
	)
	return sub, nil
}

// Ping implements messaging.Pinger
func (b *Bus) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return contracts.ErrClosed
	}
	return nil
}

// Close closes every subscription
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	var subs []*subscription
	for _, groups := range b.groups {
		for _, g := range groups {
			subs = append(subs, g.members...)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

func (b *Bus) partitionFor(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.partitions))
}

func (b *Bus) topicOffsets(topic string) []int64 {
	offsets, ok := b.offsets[topic]
	if !ok {
		offsets = make([]int64, b.partitions)
		b.offsets[topic] = offsets
	}
	return offsets
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[s.topic][s.group]
	if !ok {
		return
	}
	for i, m := range g.members {
		if m == s {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	if len(g.members) == 0 {
		delete(b.groups[s.topic], s.group)
	}
}

func copyMessage(msg messaging.Message) messaging.Message {
	out := messaging.Message{Key: msg.Key}
	out.Value = append([]byte(nil), msg.Value...)
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

type subscription struct {
	bus   *Bus
	topic string
	group string
	ch    chan messaging.Delivery

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func (s *subscription) Messages() <-chan messaging.Delivery {
	return s.ch
}

// deliver blocks while the buffer is full, like a slow consumer on a broker
func (s *subscription) deliver(ctx context.Context, d messaging.Delivery) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return true
	}

	select {
	case s.ch <- d:
		return true
	case <-s.done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.remove(s)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}
