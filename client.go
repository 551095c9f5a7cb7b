// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/correlate/config"
	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/messaging"
	"github.com/glimte/correlate/serialization"
	"github.com/glimte/correlate/tracing"
	"github.com/google/uuid"
)

// DefaultClientGroup prefixes the reply consumer group of every client instance
const DefaultClientGroup = "correlate-client"

// Client sends requests and correlates the replies back to their callers
type Client struct {
	bus        messaging.Bus
	ownsBus    bool
	table      *messaging.CorrelationTable
	dispatcher *messaging.RequestDispatcher
	codec      serialization.Codec
	logger     *slog.Logger
	metrics    messaging.MetricsCollector
	tracer     *tracing.Tracer
	ownsTracer bool
	instanceID string
	group      string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[string]*messaging.ReplyListener
	closed    bool
}

// NewClient creates a client on bus. The bus stays open when the client closes.
func NewClient(bus messaging.Bus, options ...ClientOption) (*Client, error) {
	if bus == nil {
		return nil, errors.New("bus cannot be nil")
	}
	cfg := newClientConfig(options...)
	return newClient(bus, false, cfg)
}

// NewClientFromConfig opens the configured bus and creates a client owning it
func NewClientFromConfig(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	base := []ClientOption{
		WithTimeout(cfg.Timeout),
		WithReplyTopic(cfg.ReplyTopic),
		WithClientID(cfg.ClientID),
		WithClientGroup(cfg.ClientGroup),
	}
	ccfg := newClientConfig(append(base, options...)...)

	if cfg.Tracing.Enabled && ccfg.tracer == nil {
		tracer, err := tracing.New(tracing.Config{ServiceName: cfg.Tracing.ServiceName, ZipkinURL: cfg.Tracing.ZipkinURL})
		if err != nil {
			return nil, err
		}
		ccfg.tracer = tracer
		ccfg.ownsTracer = true
	}

	bus, err := OpenBus(ctx, cfg, ccfg.logger)
	if err != nil {
		if ccfg.ownsTracer {
			ccfg.tracer.Close()
		}
		return nil, err
	}
	return newClient(bus, true, ccfg)
}

func newClient(bus messaging.Bus, ownsBus bool, cfg *clientConfig) (*Client, error) {
	if cfg.timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", cfg.timeout)
	}

	instanceID := uuid.NewString()
	if cfg.clientID != "" {
		instanceID = cfg.clientID + "-" + instanceID
	}

	var ids messaging.IDGenerator = messaging.UUIDGenerator{}
	switch {
	case cfg.ids != nil:
		ids = cfg.ids
	case cfg.sequential:
		ids = messaging.NewSequentialGenerator(instanceID)
	}

	table := messaging.NewCorrelationTable(messaging.WithTableLogger(cfg.logger))

	dispatcherOpts := []messaging.RequestDispatcherOption{
		messaging.WithDispatcherCodec(cfg.codec),
		messaging.WithIDGenerator(ids),
		messaging.WithDispatcherLogger(cfg.logger),
		messaging.WithDispatcherMetrics(cfg.metrics),
		messaging.WithReplyTopic(cfg.replyTopic),
		messaging.WithDefaultTimeout(cfg.timeout),
	}
	if cfg.tracer != nil {
		dispatcherOpts = append(dispatcherOpts, messaging.WithCallHook(cfg.tracer.ClientHook()))
	}
	for _, hook := range cfg.hooks {
		dispatcherOpts = append(dispatcherOpts, messaging.WithCallHook(hook))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		bus:        bus,
		ownsBus:    ownsBus,
		table:      table,
		dispatcher: messaging.NewRequestDispatcher(bus, table, dispatcherOpts...),
		codec:      cfg.codec,
		logger:     cfg.logger,
		metrics:    cfg.metrics,
		tracer:     cfg.tracer,
		ownsTracer: cfg.ownsTracer,
		instanceID: instanceID,
		group:      cfg.group + "-" + instanceID,
		ctx:        ctx,
		cancel:     cancel,
		listeners:  make(map[string]*messaging.ReplyListener),
	}, nil
}

// InstanceID identifies this client among the clients sharing a reply topic
func (c *Client) InstanceID() string {
	return c.instanceID
}

// ReplyGroup returns the consumer group of the reply subscriptions. It is
// unique per instance, so every instance sees every reply.
func (c *Client) ReplyGroup() string {
	return c.group
}

// Table returns the correlation table of outstanding requests
func (c *Client) Table() *messaging.CorrelationTable {
	return c.table
}

// Bus returns the underlying bus
func (c *Client) Bus() messaging.Bus {
	return c.bus
}

// Start subscribes to the reply topics of the given request topics, so the
// first call does not pay for the subscription. Calls start missing
// listeners on their own.
func (c *Client) Start(ctx context.Context, topics ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, topic := range topics {
		if err := c.ensureListener(c.dispatcher.ReplyTopicFor(topic)); err != nil {
			return err
		}
	}
	return nil
}

// Call sends payload to topic and returns the future of its reply
func (c *Client) Call(ctx context.Context, topic string, payload []float64, opts ...messaging.CallOption) (*messaging.Future, error) {
	if topic == "" {
		return nil, errors.New("topic cannot be empty")
	}
	if err := c.ensureListener(c.dispatcher.ReplyTopicFor(topic)); err != nil {
		return nil, err
	}
	return c.dispatcher.Call(ctx, topic, payload, opts...)
}

// Invoke sends payload to topic and waits for the numeric result
func (c *Client) Invoke(ctx context.Context, topic string, payload []float64, opts ...messaging.CallOption) (float64, error) {
	future, err := c.Call(ctx, topic, payload, opts...)
	if err != nil {
		return 0, err
	}
	return future.Value(ctx)
}

func (c *Client) ensureListener(replyTopic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client: %w", contracts.ErrClosed)
	}
	if _, ok := c.listeners[replyTopic]; ok {
		return nil
	}

	listener := messaging.NewReplyListener(c.bus, c.table, replyTopic,
		messaging.WithListenerGroup(c.group),
		messaging.WithListenerCodec(c.codec),
		messaging.WithListenerLogger(c.logger),
		messaging.WithListenerMetrics(c.metrics),
	)
	if err := listener.Start(c.ctx); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", replyTopic, err)
	}
	c.listeners[replyTopic] = listener

	c.logger.Info("reply listener started",
		"topic", replyTopic,
		"group", c.group,
	)
	return nil
}

// Close stops taking calls, fails outstanding requests with ErrClosed and
// releases what the client owns
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listeners := make([]*messaging.ReplyListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	var errs []error
	if err := c.dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}

	c.cancel()
	for _, l := range listeners {
		if err := l.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if n := c.table.RejectAll(contracts.ErrClosed); n > 0 {
		c.logger.Warn("client closed with pending requests", "pending", n)
	}

	if c.ownsBus {
		if err := c.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.ownsTracer {
		if err := c.tracer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	metrics    messaging.MetricsCollector
	codec      serialization.Codec
	ids        messaging.IDGenerator
	sequential bool
	timeout    time.Duration
	replyTopic string
	clientID   string
	group      string
	tracer     *tracing.Tracer
	ownsTracer bool
	hooks      []messaging.CallHook
}

func newClientConfig(options ...ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:  slog.Default(),
		metrics: &messaging.NoOpMetricsCollector{},
		codec:   serialization.NewJSONCodec(),
		timeout: messaging.DefaultTimeout,
		group:   DefaultClientGroup,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithCodec sets the envelope codec
func WithCodec(codec serialization.Codec) ClientOption {
	return func(cfg *clientConfig) {
		cfg.codec = codec
	}
}

// WithTimeout sets the default request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = timeout
	}
}

// WithReplyTopic uses one reply topic for all calls instead of <topic>.reply
func WithReplyTopic(topic string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.replyTopic = topic
	}
}

// WithClientID prefixes the instance id
func WithClientID(id string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.clientID = id
	}
}

// WithClientGroup sets the prefix of the per-instance reply group
func WithClientGroup(group string) ClientOption {
	return func(cfg *clientConfig) {
		if group != "" {
			cfg.group = group
		}
	}
}

// WithSequentialIDs issues <instance>-<counter> correlation ids
func WithSequentialIDs() ClientOption {
	return func(cfg *clientConfig) {
		cfg.sequential = true
	}
}

// WithIDGenerator sets the correlation id generator
func WithIDGenerator(ids messaging.IDGenerator) ClientOption {
	return func(cfg *clientConfig) {
		cfg.ids = ids
	}
}

// WithTracer records a Zipkin span per call. The tracer stays open when
// the client closes.
func WithTracer(tracer *tracing.Tracer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracer = tracer
	}
}

// WithCallHook adds a hook run around every call
func WithCallHook(hook messaging.CallHook) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hooks = append(cfg.hooks, hook)
	}
}
