package correlate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/correlate/config"
	"github.com/glimte/correlate/interceptors"
	"github.com/glimte/correlate/messaging"
	"github.com/glimte/correlate/operations"
	"github.com/glimte/correlate/tracing"
)

// DefaultWorkerGroup is the consumer group workers share when none is set
const DefaultWorkerGroup = "consumer-group"

// Worker consumes request topics and publishes replies
type Worker struct {
	bus        messaging.Bus
	ownsBus    bool
	registry   *messaging.Registry
	dispatcher *messaging.WorkerDispatcher
	tracer     *tracing.Tracer
	ownsTracer bool
	logger     *slog.Logger
}

// NewWorker creates a worker serving the handlers in registry. The registry
// is frozen. The bus stays open when the worker closes.
func NewWorker(bus messaging.Bus, registry *messaging.Registry, options ...WorkerOption) (*Worker, error) {
	if bus == nil {
		return nil, errors.New("bus cannot be nil")
	}
	cfg := newWorkerConfig(options...)
	return newWorker(bus, false, registry, cfg)
}

// NewWorkerFromConfig opens the configured bus and serves the configured
// operations on it
func NewWorkerFromConfig(ctx context.Context, cfg config.Config, options ...WorkerOption) (*Worker, error) {
	base := []WorkerOption{
		WithWorkerGroup(cfg.GroupID),
		WithConcurrency(cfg.Concurrency),
		WithWorkerReplyTopic(cfg.ReplyTopic),
	}
	wcfg := newWorkerConfig(append(base, options...)...)

	registry := messaging.NewRegistry()
	if err := operations.Register(registry, operations.ForOperations(cfg.Operations), operations.WithDelay(cfg.HandlerDelay)); err != nil {
		return nil, err
	}

	if cfg.Tracing.Enabled && wcfg.tracer == nil {
		tracer, err := tracing.New(tracing.Config{ServiceName: cfg.Tracing.ServiceName, ZipkinURL: cfg.Tracing.ZipkinURL})
		if err != nil {
			return nil, err
		}
		wcfg.tracer = tracer
		wcfg.ownsTracer = true
	}

	bus, err := OpenBus(ctx, cfg, wcfg.logger)
	if err != nil {
		if wcfg.ownsTracer {
			wcfg.tracer.Close()
		}
		return nil, err
	}

	w, err := newWorker(bus, true, registry, wcfg)
	if err != nil {
		bus.Close()
		if wcfg.ownsTracer {
			wcfg.tracer.Close()
		}
		return nil, err
	}
	return w, nil
}

func newWorker(bus messaging.Bus, ownsBus bool, registry *messaging.Registry, cfg *workerConfig) (*Worker, error) {
	opts := []messaging.WorkerOption{
		messaging.WithWorkerGroup(cfg.group),
		messaging.WithConcurrency(cfg.concurrency),
		messaging.WithWorkerLogger(cfg.logger),
		messaging.WithWorkerMetrics(cfg.metrics),
		messaging.WithDefaultReplyTopic(cfg.replyTopic),
	}
	if len(cfg.topics) > 0 {
		opts = append(opts, messaging.WithWorkerTopics(cfg.topics...))
	}
	// tracing wraps everything so the span covers the interceptors
	if cfg.tracer != nil {
		opts = append(opts, messaging.WithHandlerWrapper(cfg.tracer))
	}
	chain := cfg.chain
	if chain == nil {
		chain = interceptors.NewDefaultInterceptorChainBuilder(cfg.logger).
			WithRequestInfo().
			WithLogging().
			Build()
	}
	if chain.Len() > 0 {
		opts = append(opts, messaging.WithHandlerWrapper(chain))
	}

	dispatcher, err := messaging.NewWorkerDispatcher(bus, registry, opts...)
	if err != nil {
		return nil, err
	}

	return &Worker{
		bus:        bus,
		ownsBus:    ownsBus,
		registry:   registry,
		dispatcher: dispatcher,
		tracer:     cfg.tracer,
		ownsTracer: cfg.ownsTracer,
		logger:     cfg.logger,
	}, nil
}

// Topics returns the request topics the worker consumes
func (w *Worker) Topics() []string {
	return w.dispatcher.Topics()
}

// Operations returns the registered operation names
func (w *Worker) Operations() []string {
	return w.registry.Names()
}

// Bus returns the underlying bus
func (w *Worker) Bus() messaging.Bus {
	return w.bus
}

// Run serves until ctx ends. It returns nil on a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker serving", "topics", w.Topics())
	return w.dispatcher.Run(ctx)
}

// Start serves in the background
func (w *Worker) Start(ctx context.Context) error {
	return w.dispatcher.Start(ctx)
}

// Stop stops serving and waits for in-flight invocations
func (w *Worker) Stop() error {
	return w.dispatcher.Stop()
}

// Close stops serving and releases what the worker owns
func (w *Worker) Close() error {
	errs := []error{w.dispatcher.Stop()}
	if w.ownsBus {
		errs = append(errs, w.bus.Close())
	}
	if w.ownsTracer {
		errs = append(errs, w.tracer.Close())
	}
	return errors.Join(errs...)
}

type workerConfig struct {
	logger      *slog.Logger
	metrics     messaging.MetricsCollector
	group       string
	concurrency int
	replyTopic  string
	topics      []string
	chain       *interceptors.InterceptorChain
	tracer      *tracing.Tracer
	ownsTracer  bool
}

func newWorkerConfig(options ...WorkerOption) *workerConfig {
	cfg := &workerConfig{
		logger:      slog.Default(),
		metrics:     &messaging.NoOpMetricsCollector{},
		group:       DefaultWorkerGroup,
		concurrency: messaging.DefaultConcurrency,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// WorkerOption configures the worker
type WorkerOption func(*workerConfig)

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.logger = logger
	}
}

// WithWorkerMetrics sets the metrics collector
func WithWorkerMetrics(metrics messaging.MetricsCollector) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.metrics = metrics
	}
}

// WithWorkerGroup sets the consumer group shared by worker instances
func WithWorkerGroup(group string) WorkerOption {
	return func(cfg *workerConfig) {
		if group != "" {
			cfg.group = group
		}
	}
}

// WithConcurrency bounds concurrent handler invocations
func WithConcurrency(n int) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.concurrency = n
	}
}

// WithWorkerReplyTopic sets the reply topic for requests without ReplyTo
func WithWorkerReplyTopic(topic string) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.replyTopic = topic
	}
}

// WithTopics sets the request topics. They default to the operation names.
func WithTopics(topics ...string) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.topics = topics
	}
}

// WithInterceptors replaces the default interceptor chain
func WithInterceptors(chain *interceptors.InterceptorChain) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.chain = chain
	}
}

// WithWorkerTracer records a Zipkin span per handler invocation. The tracer
// stays open when the worker closes.
func WithWorkerTracer(tracer *tracing.Tracer) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.tracer = tracer
	}
}
