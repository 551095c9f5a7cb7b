package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/correlate/serialization"
)

// ReplyListener consumes a reply topic and resolves pending requests
type ReplyListener struct {
	subscriber Subscriber
	table      *CorrelationTable
	topic      string
	group      string
	codec      serialization.Codec
	logger     *slog.Logger
	metrics    MetricsCollector

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// ReplyListenerConfig configures the reply listener
type ReplyListenerConfig struct {
	Group   string
	Codec   serialization.Codec
	Logger  *slog.Logger
	Metrics MetricsCollector
}

// ReplyListenerOption configures the listener
type ReplyListenerOption func(*ReplyListenerConfig)

// WithListenerGroup sets the consumer group of the reply subscription
func WithListenerGroup(group string) ReplyListenerOption {
	return func(c *ReplyListenerConfig) {
		c.Group = group
	}
}

// WithListenerCodec sets the envelope codec
func WithListenerCodec(codec serialization.Codec) ReplyListenerOption {
	return func(c *ReplyListenerConfig) {
		c.Codec = codec
	}
}

// WithListenerLogger sets the logger
func WithListenerLogger(logger *slog.Logger) ReplyListenerOption {
	return func(c *ReplyListenerConfig) {
		c.Logger = logger
	}
}

// WithListenerMetrics sets the metrics collector
func WithListenerMetrics(metrics MetricsCollector) ReplyListenerOption {
	return func(c *ReplyListenerConfig) {
		c.Metrics = metrics
	}
}

// NewReplyListener creates a listener for topic resolving into table
func NewReplyListener(subscriber Subscriber, table *CorrelationTable, topic string, opts ...ReplyListenerOption) *ReplyListener {
	config := &ReplyListenerConfig{
		Codec:   serialization.NewJSONCodec(),
		Logger:  slog.Default(),
		Metrics: &NoOpMetricsCollector{},
	}

	for _, opt := range opts {
		opt(config)
	}

	return &ReplyListener{
		subscriber: subscriber,
		table:      table,
		topic:      topic,
		group:      config.Group,
		codec:      config.Codec,
		logger:     config.Logger,
		metrics:    config.Metrics,
	}
}

// Topic returns the reply topic
func (l *ReplyListener) Topic() string {
	return l.topic
}

// Start subscribes and runs the listen loop in the background. The
// subscription exists when Start returns, so replies published afterwards
// are not missed.
func (l *ReplyListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("reply listener for %s already running", l.topic)
	}

	sub, err := l.subscribe(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go func() {
		defer close(l.done)
		l.loop(runCtx, sub)
	}()

	return nil
}

// Stop ends the listen loop and waits for it to exit
func (l *ReplyListener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Run subscribes and blocks until ctx ends or the subscription closes
func (l *ReplyListener) Run(ctx context.Context) error {
	sub, err := l.subscribe(ctx)
	if err != nil {
		return err
	}
	l.loop(ctx, sub)
	return ctx.Err()
}

func (l *ReplyListener) subscribe(ctx context.Context) (Subscription, error) {
	// replies belong to this process alone
	opts := []SubscribeOption{WithEphemeral()}
	if l.group != "" {
		opts = append(opts, WithGroup(l.group))
	}

	sub, err := l.subscriber.Subscribe(ctx, l.topic, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply topic %s: %w", l.topic, err)
	}

	l.logger.Info("listening for replies",
		"topic", l.topic,
		"group", l.group,
	)
	return sub, nil
}

func (l *ReplyListener) loop(ctx context.Context, sub Subscription) {
	defer func() {
		if err := sub.Close(); err != nil {
			l.logger.Warn("failed to close reply subscription",
				"topic", l.topic,
				"error", err,
			)
		}
	}()

	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-messages:
			if !ok {
				l.logger.Info("reply subscription closed", "topic", l.topic)
				return
			}
			l.handle(delivery)
		}
	}
}

// handle never fails the loop: malformed and unmatched replies are dropped
func (l *ReplyListener) handle(delivery Delivery) {
	reply, err := l.codec.DecodeReply(delivery.Value)
	if err != nil {
		l.metrics.RecordDropped(delivery.Topic, DropMalformed)
		l.logger.Warn("dropping malformed reply",
			"topic", delivery.Topic,
			"partition", delivery.Partition,
			"offset", delivery.Offset,
			"error", err,
		)
		return
	}

	if !l.table.Resolve(reply.CorrelationID, reply) {
		l.metrics.RecordDropped(delivery.Topic, DropUnmatched)
		return
	}

	l.logger.Debug("reply resolved",
		"correlationId", reply.CorrelationID,
		"status", reply.Status,
		"partition", delivery.Partition,
		"offset", delivery.Offset,
	)
}
