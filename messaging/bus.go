package messaging

import (
	"context"
	"time"
)

// HeaderCorrelationID carries the correlation id alongside the payload so
// transports can expose it without decoding the envelope
const HeaderCorrelationID = "x-correlation-id"

// Message is an outbound bus record
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// Delivery is an inbound bus record. Partition and Offset are opaque to the
// correlation core and only used for logging.
type Delivery struct {
	Message
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
}

// Publisher hands messages to the bus
type Publisher interface {
	// Publish sends a message to a topic. Failures are returned as transport errors.
	Publish(ctx context.Context, topic string, msg Message) error
}

// Subscriber opens subscriptions on the bus
type Subscriber interface {
	// Subscribe starts consuming a topic. Messages are delivered in bus
	// order per partition until the subscription is closed or ctx ends.
	Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (Subscription, error)
}

// Subscription is a live stream of deliveries
type Subscription interface {
	// Messages returns the delivery channel. It is closed when the subscription ends.
	Messages() <-chan Delivery

	// Close stops the subscription
	Close() error
}

// Bus provides both publishing and subscribing
type Bus interface {
	Publisher
	Subscriber

	// Close releases all bus resources
	Close() error
}

// Pinger is implemented by buses that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// SubscribeConfig holds subscription settings
type SubscribeConfig struct {
	// Group is the consumer group. Members of one group share the topic,
	// separate groups each receive every message. Empty means a group of one.
	Group string

	// Ephemeral marks a subscription that lives only as long as its
	// consumer. Transports with broker-side queues delete them once the
	// subscriber goes away.
	Ephemeral bool
}

// SubscribeOption configures a subscription
type SubscribeOption func(*SubscribeConfig)

// WithGroup sets the consumer group of a subscription
func WithGroup(group string) SubscribeOption {
	return func(c *SubscribeConfig) {
		c.Group = group
	}
}

// WithEphemeral marks a subscription as owned by a single process
func WithEphemeral() SubscribeOption {
	return func(c *SubscribeConfig) {
		c.Ephemeral = true
	}
}

// ApplySubscribeOptions resolves subscription options for bus implementations
func ApplySubscribeOptions(opts ...SubscribeOption) SubscribeConfig {
	var cfg SubscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
