// Package rabbitmq implements messaging.Bus on RabbitMQ. Topics are routing
// keys on one direct exchange and every consumer group owns a queue, which
// gives the group semantics of a log broker on top of AMQP queues.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/internal/rabbitmq"
	"github.com/glimte/correlate/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds the bus settings
type Config struct {
	Exchange          string
	PrefetchCount     int
	ConfirmTimeout    time.Duration
	ConnectionOptions []rabbitmq.ConnectionOption
	Logger            *slog.Logger
}

// Option configures the bus
type Option func(*Config)

// WithExchange sets the routing exchange
func WithExchange(name string) Option {
	return func(c *Config) {
		c.Exchange = name
	}
}

// WithPrefetchCount sets the per-subscription prefetch
func WithPrefetchCount(n int) Option {
	return func(c *Config) {
		c.PrefetchCount = n
	}
}

// WithConfirmTimeout sets how long a publish waits for the broker ack
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ConfirmTimeout = d
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(c *Config) {
		c.ConnectionOptions = append(c.ConnectionOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

func newConfig(opts ...Option) Config {
	cfg := Config{
		Exchange:       rabbitmq.DefaultExchange,
		PrefetchCount:  10,
		ConfirmTimeout: 5 * time.Second,
		Logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Bus is a RabbitMQ messaging.Bus
type Bus struct {
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  rabbitmq.Topology
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New connects to the broker and declares the routing exchange
func New(ctx context.Context, url string, opts ...Option) (*Bus, error) {
	cfg := newConfig(opts...)

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	topology := rabbitmq.NewTopology(cfg.Exchange)
	if err := declareExchange(manager, topology); err != nil {
		manager.Close()
		return nil, err
	}

	b := &Bus{
		manager:   manager,
		publisher: rabbitmq.NewPublisher(manager, rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout), rabbitmq.WithPublisherLogger(cfg.Logger)),
		consumer:  rabbitmq.NewConsumer(manager, topology, rabbitmq.WithPrefetchCount(cfg.PrefetchCount), rabbitmq.WithConsumerLogger(cfg.Logger)),
		topology:  topology,
		logger:    cfg.Logger,
		subs:      make(map[*subscription]struct{}),
	}
	manager.AddStateListener(&stateLogger{logger: cfg.Logger})
	return b, nil
}

func declareExchange(manager *rabbitmq.ConnectionManager, topology rabbitmq.Topology) error {
	ch, err := manager.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	return topology.DeclareExchange(ch)
}

// Publish implements messaging.Publisher. Publishing to a topic with no
// bound group queue drops the message, as the exchange has nowhere to route it.
func (b *Bus) Publish(ctx context.Context, topic string, msg messaging.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return &contracts.TransportError{Topic: topic, Err: contracts.ErrClosed}
	}

	if err := b.publisher.Publish(ctx, b.topology.Exchange, topic, toPublishing(msg)); err != nil {
		return &contracts.TransportError{Topic: topic, Err: err}
	}
	return nil
}

// Subscribe implements messaging.Subscriber. A delivery is acked once the
// reader has taken it from the channel.
func (b *Bus) Subscribe(ctx context.Context, topic string, opts ...messaging.SubscribeOption) (messaging.Subscription, error) {
	cfg := messaging.ApplySubscribeOptions(opts...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &contracts.TransportError{Topic: topic, Err: contracts.ErrClosed}
	}

	sub := &subscription{bus: b, ch: make(chan messaging.Delivery)}
	consumption, err := b.consumer.Consume(context.Background(), topic, cfg.Group, cfg.Ephemeral, func(ctx context.Context, d amqp.Delivery) error {
		select {
		case sub.ch <- toDelivery(topic, d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return nil, &contracts.TransportError{Topic: topic, Err: err}
	}
	sub.consumption = consumption
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Ping reports whether the connection is up
func (b *Bus) Ping(ctx context.Context) error {
	if _, err := b.manager.GetConnection(); err != nil {
		return &contracts.TransportError{Err: err}
	}
	return nil
}

// Close stops every subscription and closes the connection
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	if err := b.publisher.Close(); err != nil {
		b.logger.Warn("failed to close publisher", "error", err)
	}
	return b.manager.Close()
}

func (b *Bus) forget(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type subscription struct {
	bus         *Bus
	consumption *rabbitmq.Consumption
	ch          chan messaging.Delivery
	closeOnce   sync.Once
}

func (s *subscription) Messages() <-chan messaging.Delivery {
	return s.ch
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.consumption.Stop()
		close(s.ch)
		s.bus.forget(s)
	})
	return nil
}

func toPublishing(msg messaging.Message) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.Key,
		CorrelationId: msg.Headers[messaging.HeaderCorrelationID],
		Timestamp:     time.Now(),
		Body:          msg.Value,
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

func toDelivery(topic string, d amqp.Delivery) messaging.Delivery {
	var headers map[string]string
	if len(d.Headers) > 0 {
		headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			switch val := v.(type) {
			case string:
				headers[k] = val
			case []byte:
				headers[k] = string(val)
			default:
				headers[k] = fmt.Sprint(val)
			}
		}
	}

	return messaging.Delivery{
		Message: messaging.Message{
			Key:     d.MessageId,
			Value:   d.Body,
			Headers: headers,
		},
		Topic:     topic,
		Offset:    int64(d.DeliveryTag),
		Timestamp: d.Timestamp,
	}
}

type stateLogger struct {
	logger *slog.Logger
}

func (l *stateLogger) OnConnected() {
	l.logger.Info("rabbitmq bus connected")
}

func (l *stateLogger) OnDisconnected(err error) {
	l.logger.Warn("rabbitmq bus disconnected", "error", err)
}

func (l *stateLogger) OnReconnecting(attempt int) {
	l.logger.Info("rabbitmq bus reconnecting", "attempt", attempt)
}
