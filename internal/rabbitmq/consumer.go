package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. A nil return acks it; an error
// requeues it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer opens queue consumers that survive reconnects
type Consumer struct {
	manager       *ConnectionManager
	topology      Topology
	prefetchCount int
	retryDelay    time.Duration
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithResubscribeDelay sets the pause between attempts to reopen a consumer
// after its channel dropped
func WithResubscribeDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = d
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, topology Topology, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		topology:      topology,
		prefetchCount: 10,
		retryDelay:    time.Second,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consumption is a running consumer on one group queue
type Consumption struct {
	Topic     string
	Group     string
	Ephemeral bool

	mu     sync.Mutex
	queue  string
	ch     *amqp.Channel
	cancel context.CancelFunc
	done   chan struct{}
}

// Queue returns the current queue name. Private queues are renamed by the
// broker on every reconnect.
func (cs *Consumption) Queue() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.queue
}

// Done is closed once the consumer loop exits
func (cs *Consumption) Done() <-chan struct{} {
	return cs.done
}

// Stop cancels the consumer and waits for the loop to exit
func (cs *Consumption) Stop() {
	cs.cancel()
	<-cs.done
}

// Consume declares the queue for topic and group and feeds its deliveries to
// handler until ctx ends or Stop is called. An ephemeral queue is removed by
// the broker once its consumer is gone.
func (c *Consumer) Consume(ctx context.Context, topic, group string, ephemeral bool, handler MessageHandler) (*Consumption, error) {
	cs := &Consumption{
		Topic:     topic,
		Group:     group,
		Ephemeral: ephemeral,
		done:      make(chan struct{}),
	}

	deliveries, err := c.open(cs)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	cs.cancel = cancel

	go c.run(runCtx, cs, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"topic", topic,
		"queue", cs.Queue(),
		"prefetchCount", c.prefetchCount,
	)
	return cs, nil
}

func (c *Consumer) open(cs *Consumption) (<-chan amqp.Delivery, error) {
	ch, err := c.manager.Channel()
	if err != nil {
		return nil, &ConsumerError{Queue: cs.Topic, Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	fail := func(op string, err error) (<-chan amqp.Delivery, error) {
		ch.Close()
		return nil, &ConsumerError{Queue: cs.Topic, Op: op, Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return fail("qos", err)
	}
	if err := c.topology.DeclareExchange(ch); err != nil {
		return fail("declare", err)
	}
	queue, err := c.topology.DeclareGroupQueue(ch, cs.Topic, cs.Group, cs.Ephemeral)
	if err != nil {
		return fail("declare", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	cs.mu.Lock()
	cs.queue = queue
	cs.ch = ch
	cs.mu.Unlock()
	return deliveries, nil
}

func (c *Consumer) run(ctx context.Context, cs *Consumption, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		cs.mu.Lock()
		if cs.ch != nil {
			cs.ch.Close()
			cs.ch = nil
		}
		cs.mu.Unlock()
		close(cs.done)
		c.logger.Info("consumer stopped", "topic", cs.Topic, "group", cs.Group)
	}()

	for {
		c.drain(ctx, cs, deliveries, handler)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("delivery channel closed, resubscribing", "topic", cs.Topic, "group", cs.Group)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}

			var err error
			deliveries, err = c.open(cs)
			if err == nil {
				break
			}
			c.logger.Debug("resubscribe failed", "topic", cs.Topic, "error", err)
		}
	}
}

func (c *Consumer) drain(ctx context.Context, cs *Consumption, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := c.handle(ctx, d, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"topic", cs.Topic,
					"messageId", d.MessageId,
				)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	err := handler(ctx, d)
	if err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			return fmt.Errorf("nack after %v: %w", err, nackErr)
		}
		return err
	}
	return d.Ack(false)
}
