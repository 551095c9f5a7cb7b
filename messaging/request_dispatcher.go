package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/internal/reliability"
	"github.com/glimte/correlate/serialization"
)

// DefaultTimeout bounds a request when nothing else is configured
const DefaultTimeout = 5 * time.Second

// CallHook runs before a request is published and may add headers to it.
// The returned function, when not nil, is called once the request completes.
type CallHook func(ctx context.Context, req *contracts.RequestEnvelope) func(reply *contracts.ReplyEnvelope, err error)

// RequestDispatcher issues requests and returns futures for their replies
type RequestDispatcher struct {
	publisher  Publisher
	table      *CorrelationTable
	codec      serialization.Codec
	ids        IDGenerator
	breaker    *reliability.CircuitBreaker
	logger     *slog.Logger
	metrics    MetricsCollector
	replyTopic string
	timeout    time.Duration
	hooks      []CallHook

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// RequestDispatcherConfig configures the request dispatcher
type RequestDispatcherConfig struct {
	Codec          serialization.Codec
	IDGenerator    IDGenerator
	CircuitBreaker *reliability.CircuitBreaker
	Logger         *slog.Logger
	Metrics        MetricsCollector
	ReplyTopic     string
	Timeout        time.Duration
	Hooks          []CallHook
}

// RequestDispatcherOption configures the dispatcher
type RequestDispatcherOption func(*RequestDispatcherConfig)

// WithDispatcherCodec sets the envelope codec
func WithDispatcherCodec(codec serialization.Codec) RequestDispatcherOption {
	return func(c *RequestDispatcherConfig) {
		c.Codec = codec
	}
}

// WithIDGenerator sets the correlation id generator
func WithIDGenerator(ids IDGenerator) RequestDispatcherOption {
	return func(c *RequestDispatcherConfig) {
		c.IDGenerator = ids
	}
}

// WithCircuitBreaker sets the breaker guarding publishes
func WithCircuitBreaker(cb *reliability.CircuitBreaker) RequestDispatcherOption {
	return func(c *RequestDispatcherConfig) {
		c.CircuitBreaker = cb
	}
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) RequestDispatcherOption {
	return func(c *RequestDispatcherConfig) {
		c.Logger = logger
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) RequestDispatcherOption {
	return func(c *RequestDispatcherConfig) {
		c.Metrics = metrics
	}
}

// WithReplyTopic sets the topic workers reply to. Empty means "<topic>.reply".
func WithReplyTopic(topic string) RequestDispatcherOption {
	return func(c *RequestDispatcherConfig) {
		c.ReplyTopic = topic
	}
}

// WithDefaultTimeout sets the timeout used by calls that do not set one
func WithDefaultTimeout(timeout time.Duration) RequestDispatcherOption {
	return func(c *RequestDispatcherConfig) {
		c.Timeout = timeout
	}
}

// WithCallHook adds a hook run around every call
func WithCallHook(hook CallHook) RequestDispatcherOption {
	return func(c *RequestDispatcherConfig) {
		c.Hooks = append(c.Hooks, hook)
	}
}

// NewRequestDispatcher creates a dispatcher that registers requests in table
func NewRequestDispatcher(publisher Publisher, table *CorrelationTable, opts ...RequestDispatcherOption) *RequestDispatcher {
	config := &RequestDispatcherConfig{
		Codec:       serialization.NewJSONCodec(),
		IDGenerator: UUIDGenerator{},
		Logger:      slog.Default(),
		Metrics:     &NoOpMetricsCollector{},
		Timeout:     DefaultTimeout,
	}

	for _, opt := range opts {
		opt(config)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	if config.CircuitBreaker == nil {
		config.CircuitBreaker = reliability.NewCircuitBreaker(
			reliability.WithName("request-publish"),
			reliability.WithTripOn(func(err error) bool {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}),
		)
	}

	return &RequestDispatcher{
		publisher:  publisher,
		table:      table,
		codec:      config.Codec,
		ids:        config.IDGenerator,
		breaker:    config.CircuitBreaker,
		logger:     config.Logger,
		metrics:    config.Metrics,
		replyTopic: config.ReplyTopic,
		timeout:    config.Timeout,
		hooks:      config.Hooks,
	}
}

// CallConfig holds per-call settings
type CallConfig struct {
	Timeout   time.Duration
	Operation string
	Key       string
	Headers   map[string]string
}

// CallOption configures a single call
type CallOption func(*CallConfig)

// WithTimeout overrides the request timeout. A non-positive value keeps the
// dispatcher default.
func WithTimeout(timeout time.Duration) CallOption {
	return func(c *CallConfig) {
		c.Timeout = timeout
	}
}

// WithOperation sets the operation name. It defaults to the topic.
func WithOperation(operation string) CallOption {
	return func(c *CallConfig) {
		c.Operation = operation
	}
}

// WithKey sets the partition key. It defaults to the correlation id.
func WithKey(key string) CallOption {
	return func(c *CallConfig) {
		c.Key = key
	}
}

// WithHeaders adds envelope headers
func WithHeaders(headers map[string]string) CallOption {
	return func(c *CallConfig) {
		if c.Headers == nil {
			c.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			c.Headers[k] = v
		}
	}
}

// ReplyTopicFor returns the reply topic requests to topic carry
func (d *RequestDispatcher) ReplyTopicFor(topic string) string {
	if d.replyTopic != "" {
		return d.replyTopic
	}
	return DefaultReplyTopic(topic)
}

// DefaultReplyTopic derives a reply topic from a request topic
func DefaultReplyTopic(topic string) string {
	return topic + ".reply"
}

// Call registers a request, publishes it asynchronously and returns its
// future. An error is returned only when the request never reached the
// publish step, in which case nothing is left in the table.
func (d *RequestDispatcher) Call(ctx context.Context, topic string, payload []float64, opts ...CallOption) (*Future, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	// Close waits for every call admitted here, including its publish
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("request dispatcher: %w", contracts.ErrClosed)
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	published := false
	defer func() {
		if !published {
			d.inflight.Done()
		}
	}()

	config := &CallConfig{
		Timeout:   d.timeout,
		Operation: topic,
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Timeout <= 0 {
		config.Timeout = d.timeout
	}

	id := d.ids.NextID()
	req := contracts.NewRequestEnvelope(id, config.Operation, d.ReplyTopicFor(topic), payload)
	for k, v := range config.Headers {
		req.Headers[k] = v
	}

	var finishers []func(*contracts.ReplyEnvelope, error)
	for _, hook := range d.hooks {
		if finish := hook(ctx, req); finish != nil {
			finishers = append(finishers, finish)
		}
	}

	data, err := d.codec.EncodeRequest(req)
	if err != nil {
		d.finish(finishers, nil, err)
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	start := time.Now()
	future, err := d.table.register(id, func(reply *contracts.ReplyEnvelope, err error) {
		d.metrics.RecordOutcome(topic, outcomeOf(err), time.Since(start))
		d.finish(finishers, reply, err)
	})
	if err != nil {
		d.finish(finishers, nil, err)
		return nil, err
	}

	d.table.ScheduleExpiry(id, config.Timeout)

	key := config.Key
	if key == "" {
		key = id
	}
	msg := Message{
		Key:     key,
		Value:   data,
		Headers: map[string]string{HeaderCorrelationID: id},
	}

	d.metrics.RecordCall(topic)
	published = true
	go d.publish(ctx, topic, id, msg, config.Timeout)

	d.logger.Debug("request dispatched",
		"correlationId", id,
		"topic", topic,
		"operation", config.Operation,
		"timeout", config.Timeout,
	)

	return future, nil
}

// Invoke calls topic and waits for the numeric result
func (d *RequestDispatcher) Invoke(ctx context.Context, topic string, payload []float64, opts ...CallOption) (float64, error) {
	future, err := d.Call(ctx, topic, payload, opts...)
	if err != nil {
		return 0, err
	}
	return future.Value(ctx)
}

// Close stops accepting calls and waits for publishes in flight
func (d *RequestDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.inflight.Wait()
	return nil
}

func (d *RequestDispatcher) publish(ctx context.Context, topic, id string, msg Message, timeout time.Duration) {
	defer d.inflight.Done()

	// the request outlives the caller's ctx once the future is handed out
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	err := d.breaker.Execute(pubCtx, func() error {
		return d.publisher.Publish(pubCtx, topic, msg)
	})
	if err == nil {
		return
	}

	var terr *contracts.TransportError
	if !errors.As(err, &terr) || terr.CorrelationID != id {
		terr = &contracts.TransportError{CorrelationID: id, Topic: topic, Err: err}
	}

	if d.table.Reject(id, terr) {
		d.logger.Error("failed to publish request",
			"correlationId", id,
			"topic", topic,
			"error", err,
		)
	}
}

func (d *RequestDispatcher) finish(finishers []func(*contracts.ReplyEnvelope, error), reply *contracts.ReplyEnvelope, err error) {
	for _, fn := range finishers {
		fn(reply, err)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, contracts.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, contracts.ErrTransport):
		return OutcomeTransport
	case errors.Is(err, contracts.ErrCancelled):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}
