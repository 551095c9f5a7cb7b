package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/internal/reliability"
	"github.com/glimte/correlate/serialization"
)

// DefaultConcurrency bounds concurrent handler invocations per worker
const DefaultConcurrency = 8

// HandlerWrapper decorates handlers before the worker invokes them
type HandlerWrapper interface {
	Wrap(operation string, next Handler) Handler
}

// WorkerDispatcher consumes request topics, runs handlers and publishes replies
type WorkerDispatcher struct {
	bus            Bus
	handlers       map[string]Handler
	topics         []string
	group          string
	replyTopic     string
	concurrency    int
	codec          serialization.Codec
	logger         *slog.Logger
	metrics        MetricsCollector
	retryPolicy    reliability.RetryPolicy
	publishTimeout time.Duration

	sem      chan struct{}
	inflight sync.WaitGroup

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// WorkerConfig configures the worker dispatcher
type WorkerConfig struct {
	Topics         []string
	Group          string
	ReplyTopic     string
	Concurrency    int
	Codec          serialization.Codec
	Logger         *slog.Logger
	Metrics        MetricsCollector
	RetryPolicy    reliability.RetryPolicy
	PublishTimeout time.Duration
	Wrappers       []HandlerWrapper
}

// WorkerOption configures the worker
type WorkerOption func(*WorkerConfig)

// WithWorkerTopics sets the request topics. They default to the registered operation names.
func WithWorkerTopics(topics ...string) WorkerOption {
	return func(c *WorkerConfig) {
		c.Topics = append([]string(nil), topics...)
	}
}

// WithWorkerGroup sets the consumer group shared by worker instances
func WithWorkerGroup(group string) WorkerOption {
	return func(c *WorkerConfig) {
		c.Group = group
	}
}

// WithDefaultReplyTopic sets the reply topic for requests without a reply-to
func WithDefaultReplyTopic(topic string) WorkerOption {
	return func(c *WorkerConfig) {
		c.ReplyTopic = topic
	}
}

// WithConcurrency bounds concurrent handler invocations
func WithConcurrency(n int) WorkerOption {
	return func(c *WorkerConfig) {
		c.Concurrency = n
	}
}

// WithWorkerCodec sets the envelope codec
func WithWorkerCodec(codec serialization.Codec) WorkerOption {
	return func(c *WorkerConfig) {
		c.Codec = codec
	}
}

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(c *WorkerConfig) {
		c.Logger = logger
	}
}

// WithWorkerMetrics sets the metrics collector
func WithWorkerMetrics(metrics MetricsCollector) WorkerOption {
	return func(c *WorkerConfig) {
		c.Metrics = metrics
	}
}

// WithReplyRetryPolicy sets the retry policy for reply publishes
func WithReplyRetryPolicy(policy reliability.RetryPolicy) WorkerOption {
	return func(c *WorkerConfig) {
		c.RetryPolicy = policy
	}
}

// WithPublishTimeout bounds each reply publish including retries
func WithPublishTimeout(timeout time.Duration) WorkerOption {
	return func(c *WorkerConfig) {
		c.PublishTimeout = timeout
	}
}

// WithHandlerWrapper adds a wrapper applied to every handler. The first
// wrapper added is the outermost.
func WithHandlerWrapper(wrapper HandlerWrapper) WorkerOption {
	return func(c *WorkerConfig) {
		c.Wrappers = append(c.Wrappers, wrapper)
	}
}

// NewWorkerDispatcher creates a worker serving the handlers in registry.
// The registry is frozen; later registrations fail.
func NewWorkerDispatcher(bus Bus, registry *Registry, opts ...WorkerOption) (*WorkerDispatcher, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	config := &WorkerConfig{
		Concurrency:    DefaultConcurrency,
		Codec:          serialization.NewJSONCodec(),
		Logger:         slog.Default(),
		Metrics:        &NoOpMetricsCollector{},
		RetryPolicy:    reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2.0, 3),
		PublishTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", config.Concurrency)
	}

	registry.Freeze()
	if registry.Len() == 0 {
		return nil, fmt.Errorf("no handlers registered")
	}

	handlers := make(map[string]Handler, registry.Len())
	for _, name := range registry.Names() {
		h, _ := registry.Lookup(name)
		for i := len(config.Wrappers) - 1; i >= 0; i-- {
			h = config.Wrappers[i].Wrap(name, h)
		}
		handlers[name] = h
	}

	topics := config.Topics
	if len(topics) == 0 {
		topics = registry.Names()
	}

	return &WorkerDispatcher{
		bus:            bus,
		handlers:       handlers,
		topics:         topics,
		group:          config.Group,
		replyTopic:     config.ReplyTopic,
		concurrency:    config.Concurrency,
		codec:          config.Codec,
		logger:         config.Logger,
		metrics:        config.Metrics,
		retryPolicy:    config.RetryPolicy,
		publishTimeout: config.PublishTimeout,
		sem:            make(chan struct{}, config.Concurrency),
	}, nil
}

// Topics returns the request topics the worker consumes
func (w *WorkerDispatcher) Topics() []string {
	return append([]string(nil), w.topics...)
}

// Run subscribes to every request topic and serves until ctx ends. In
// flight invocations finish and publish their replies before Run returns.
func (w *WorkerDispatcher) Run(ctx context.Context) error {
	subs, err := w.subscribeAll(ctx)
	if err != nil {
		return err
	}
	w.serve(ctx, subs)
	return nil
}

// Start subscribes and serves in the background
func (w *WorkerDispatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker already running")
	}

	subs, err := w.subscribeAll(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go func() {
		defer close(w.done)
		w.serve(runCtx, subs)
	}()

	return nil
}

// Stop stops consuming and waits for in-flight invocations
func (w *WorkerDispatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (w *WorkerDispatcher) subscribeAll(ctx context.Context) ([]Subscription, error) {
	var opts []SubscribeOption
	if w.group != "" {
		opts = append(opts, WithGroup(w.group))
	}

	subs := make([]Subscription, 0, len(w.topics))
	for _, topic := range w.topics {
		sub, err := w.bus.Subscribe(ctx, topic, opts...)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return nil, fmt.Errorf("failed to subscribe to request topic %s: %w", topic, err)
		}
		subs = append(subs, sub)

		w.logger.Info("subscribed to request topic",
			"topic", topic,
			"group", w.group,
		)
	}

	w.logger.Info("worker started",
		"topics", len(subs),
		"handlers", len(w.handlers),
		"concurrency", w.concurrency,
	)
	return subs, nil
}

func (w *WorkerDispatcher) serve(ctx context.Context, subs []Subscription) {
	var consumers sync.WaitGroup
	for _, sub := range subs {
		consumers.Add(1)
		go func(sub Subscription) {
			defer consumers.Done()
			w.consume(ctx, sub)
		}(sub)
	}

	consumers.Wait()
	w.inflight.Wait()
	w.logger.Info("worker stopped")
}

func (w *WorkerDispatcher) consume(ctx context.Context, sub Subscription) {
	defer sub.Close()

	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-messages:
			if !ok {
				return
			}

			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			w.inflight.Add(1)
			go func() {
				defer func() {
					<-w.sem
					w.inflight.Done()
				}()
				w.process(ctx, delivery)
			}()
		}
	}
}

// process turns one request delivery into exactly one reply, or drops it
// when the correlation id cannot be recovered
func (w *WorkerDispatcher) process(ctx context.Context, delivery Delivery) {
	req, err := w.codec.DecodeRequest(delivery.Value)
	if err != nil {
		w.reject(ctx, delivery, req, err)
		return
	}

	operation := req.Operation
	if operation == "" {
		operation = delivery.Topic
	}

	start := time.Now()
	var reply *contracts.ReplyEnvelope

	handler, exists := w.handlers[operation]
	if !exists {
		w.logger.Warn("no handler for operation",
			"operation", operation,
			"correlationId", req.CorrelationID,
		)
		reply = contracts.NewErrorReply(req.CorrelationID, contracts.CodeUnknownOperation,
			fmt.Sprintf("no handler registered for operation %s", operation))
	} else {
		result, err := w.invoke(ctx, handler, req.Clone())
		if err != nil {
			code, message := replyError(err)
			w.logger.Warn("handler failed",
				"operation", operation,
				"correlationId", req.CorrelationID,
				"code", code,
				"error", err,
			)
			reply = contracts.NewErrorReply(req.CorrelationID, code, message)
		} else {
			reply = contracts.NewOKReply(req.CorrelationID, result)
		}
	}

	code := string(contracts.StatusOK)
	if reply.Error != nil {
		code = reply.Error.Code
	}
	duration := time.Since(start)
	w.metrics.RecordHandled(operation, code, duration)

	w.logger.Debug("handled request",
		"operation", operation,
		"correlationId", req.CorrelationID,
		"status", reply.Status,
		"duration", duration,
	)

	w.sendReply(ctx, w.replyTopicFor(req, delivery.Topic), reply)
}

// reject answers a request that failed to decode. Without a correlation id
// no reply can be addressed and the delivery is dropped.
func (w *WorkerDispatcher) reject(ctx context.Context, delivery Delivery, req *contracts.RequestEnvelope, err error) {
	if req == nil || req.CorrelationID == "" {
		reason := DropMalformed
		if req != nil {
			reason = DropNoReplyID
		}
		w.metrics.RecordDropped(delivery.Topic, reason)
		w.logger.Warn("dropping undecodable request",
			"topic", delivery.Topic,
			"partition", delivery.Partition,
			"offset", delivery.Offset,
			"reason", reason,
			"error", err,
		)
		return
	}

	code := contracts.CodeInvalidPayload
	if errors.Is(err, contracts.ErrIncompatibleVersion) {
		code = contracts.CodeIncompatibleVersion
	}
	operation := req.Operation
	if operation == "" {
		operation = delivery.Topic
	}
	w.logger.Warn("rejecting invalid request",
		"topic", delivery.Topic,
		"correlationId", req.CorrelationID,
		"version", req.Version,
		"code", code,
		"error", err,
	)
	w.metrics.RecordHandled(operation, code, 0)
	w.sendReply(ctx, w.replyTopicFor(req, delivery.Topic), contracts.NewErrorReply(req.CorrelationID, code, err.Error()))
}

func (w *WorkerDispatcher) invoke(ctx context.Context, handler Handler, req *contracts.RequestEnvelope) (result float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked",
				"operation", req.Operation,
				"correlationId", req.CorrelationID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &contracts.HandlerError{
				CorrelationID: req.CorrelationID,
				Code:          contracts.CodeHandlerPanic,
				Message:       fmt.Sprintf("handler panicked: %v", r),
			}
		}
	}()

	return handler.Handle(ctx, req)
}

func (w *WorkerDispatcher) replyTopicFor(req *contracts.RequestEnvelope, requestTopic string) string {
	if req.ReplyTo != "" {
		return req.ReplyTo
	}
	if w.replyTopic != "" {
		return w.replyTopic
	}
	return DefaultReplyTopic(requestTopic)
}

func (w *WorkerDispatcher) sendReply(ctx context.Context, topic string, reply *contracts.ReplyEnvelope) {
	data, err := w.codec.EncodeReply(reply)
	if err != nil {
		// a result the codec cannot carry still owes the caller an answer
		reply = contracts.NewErrorReply(reply.CorrelationID, contracts.CodeInvalidPayload, err.Error())
		data, err = w.codec.EncodeReply(reply)
		if err != nil {
			w.metrics.RecordDropped(topic, DropPublish)
			w.logger.Error("failed to encode reply",
				"correlationId", reply.CorrelationID,
				"error", err,
			)
			return
		}
	}

	msg := Message{
		Key:     reply.CorrelationID,
		Value:   data,
		Headers: map[string]string{HeaderCorrelationID: reply.CorrelationID},
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.publishTimeout)
	defer cancel()

	err = reliability.Retry(pubCtx, w.retryPolicy, func() error {
		return w.bus.Publish(pubCtx, topic, msg)
	})
	if err != nil {
		w.metrics.RecordDropped(topic, DropPublish)
		w.logger.Error("failed to publish reply",
			"correlationId", reply.CorrelationID,
			"topic", topic,
			"error", err,
		)
	}
}

// replyError maps a handler error onto a reply code and message
func replyError(err error) (string, string) {
	var herr *contracts.HandlerError
	if errors.As(err, &herr) {
		code := herr.Code
		if code == "" {
			code = contracts.CodeHandlerError
		}
		return code, herr.Message
	}

	var uerr *contracts.UnknownOperationError
	if errors.As(err, &uerr) {
		return contracts.CodeUnknownOperation, uerr.Error()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.CodeHandlerTimeout, err.Error()
	}

	return contracts.CodeHandlerError, err.Error()
}
