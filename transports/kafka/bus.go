// Package kafka implements messaging.Bus on Apache Kafka via segmentio/kafka-go.
// The bus shares one producer across all topics and opens a consumer group
// reader per subscription.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/messaging"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// Config holds the bus settings
type Config struct {
	Brokers          []string
	AutoCreateTopics bool
	BatchTimeout     time.Duration
	MaxWait          time.Duration
	StartOffset      int64
	ReadBackoff      time.Duration
	Logger           *slog.Logger
}

// Option configures the bus
type Option func(*Config)

// WithAutoCreateTopics lets the producer create missing topics
func WithAutoCreateTopics(enabled bool) Option {
	return func(c *Config) {
		c.AutoCreateTopics = enabled
	}
}

// WithBatchTimeout sets how long the producer waits to fill a batch
func WithBatchTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.BatchTimeout = d
	}
}

// WithMaxWait sets how long a fetch waits for new records
func WithMaxWait(d time.Duration) Option {
	return func(c *Config) {
		c.MaxWait = d
	}
}

// WithStartOffset sets where a group without committed offsets starts
// reading. Use kafkago.FirstOffset or kafkago.LastOffset. The default is
// FirstOffset: a new reply group replays retained replies as unmatched, but
// never skips a reply published while the group is still joining.
func WithStartOffset(offset int64) Option {
	return func(c *Config) {
		c.StartOffset = offset
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

func newConfig(brokers []string, opts ...Option) Config {
	cfg := Config{
		Brokers:          brokers,
		AutoCreateTopics: true,
		BatchTimeout:     10 * time.Millisecond,
		MaxWait:          500 * time.Millisecond,
		StartOffset:      kafkago.FirstOffset,
		ReadBackoff:      time.Second,
		Logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Bus is a Kafka messaging.Bus
type Bus struct {
	config Config
	writer *kafkago.Writer
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New creates a Kafka bus. No connection is made until the first publish or
// subscription.
func New(brokers []string, opts ...Option) (*Bus, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker address is required")
	}
	cfg := newConfig(brokers, opts...)

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: cfg.AutoCreateTopics,
		ErrorLogger:            errorLogger(cfg.Logger),
	}

	return &Bus{
		config: cfg,
		writer: writer,
		logger: cfg.Logger,
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Publish implements messaging.Publisher
func (b *Bus) Publish(ctx context.Context, topic string, msg messaging.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return &contracts.TransportError{Topic: topic, Err: contracts.ErrClosed}
	}

	if err := b.writer.WriteMessages(ctx, toKafkaMessage(topic, msg)); err != nil {
		return &contracts.TransportError{Topic: topic, Err: err}
	}
	return nil
}

// Subscribe implements messaging.Subscriber. Without a group the
// subscription joins a fresh group of its own so it sees every partition.
func (b *Bus) Subscribe(ctx context.Context, topic string, opts ...messaging.SubscribeOption) (messaging.Subscription, error) {
	cfg := messaging.ApplySubscribeOptions(opts...)
	group := cfg.Group
	if group == "" {
		group = "correlate-" + uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &contracts.TransportError{Topic: topic, Err: contracts.ErrClosed}
	}

	reader := kafkago.NewReader(b.readerConfig(topic, group))
	subCtx, cancel := context.WithCancel(context.Background())

	sub := &subscription{
		bus:    b,
		topic:  topic,
		group:  group,
		reader: reader,
		ch:     make(chan messaging.Delivery),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.subs[sub] = struct{}{}

	go sub.consume(subCtx)

	b.logger.Info("kafka subscription opened",
		"topic", topic,
		"group", group,
	)
	return sub, nil
}

func (b *Bus) readerConfig(topic, group string) kafkago.ReaderConfig {
	return kafkago.ReaderConfig{
		Brokers:     b.config.Brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     b.config.MaxWait,
		StartOffset: b.config.StartOffset,
		ErrorLogger: errorLogger(b.logger),
	}
}

// Ping dials the brokers and succeeds when any of them answers
func (b *Bus) Ping(ctx context.Context) error {
	var errs []error
	for _, addr := range b.config.Brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		conn.Close()
		return nil
	}
	return &contracts.TransportError{Topic: "", Err: errors.Join(errs...)}
}

// Close stops every subscription and flushes the producer
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

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return errors.Join(errs...)
}

func (b *Bus) forget(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type subscription struct {
	bus    *Bus
	topic  string
	group  string
	reader *kafkago.Reader
	ch     chan messaging.Delivery
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) Messages() <-chan messaging.Delivery {
	return s.ch
}

// consume reads until the subscription is closed. ReadMessage commits the
// offset as soon as the record is fetched.
func (s *subscription) consume(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.bus.logger.Warn("kafka read failed",
				"topic", s.topic,
				"group", s.group,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.bus.config.ReadBackoff):
			}
			continue
		}

		select {
		case s.ch <- fromKafkaMessage(m):
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.reader.Close(); err != nil {
			s.closeErr = fmt.Errorf("close reader for %s: %w", s.topic, err)
		}
		<-s.done
		s.bus.forget(s)
	})
	return s.closeErr
}

func toKafkaMessage(topic string, msg messaging.Message) kafkago.Message {
	out := kafkago.Message{
		Topic:   topic,
		Value:   msg.Value,
		Headers: toKafkaHeaders(msg.Headers),
	}
	if msg.Key != "" {
		out.Key = []byte(msg.Key)
	}
	return out
}

func fromKafkaMessage(m kafkago.Message) messaging.Delivery {
	return messaging.Delivery{
		Message: messaging.Message{
			Key:     string(m.Key),
			Value:   m.Value,
			Headers: fromKafkaHeaders(m.Headers),
		},
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Time,
	}
}

// toKafkaHeaders sorts by key so the encoded record is stable
func toKafkaHeaders(headers map[string]string) []kafkago.Header {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kafkago.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafkago.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}

// fromKafkaHeaders keeps the last value of a repeated key
func fromKafkaHeaders(headers []kafkago.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func errorLogger(logger *slog.Logger) kafkago.Logger {
	return kafkago.LoggerFunc(func(msg string, args ...interface{}) {
		logger.Error(fmt.Sprintf(msg, args...), "component", "kafka")
	})
}
