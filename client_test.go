package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glimte/correlate/config"
	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/messaging"
	"github.com/glimte/correlate/monitor"
	"github.com/glimte/correlate/operations"
	"github.com/glimte/correlate/tracing"
	"github.com/glimte/correlate/transports/memory"
	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/reporter/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sumTopic = operations.DefaultOperation

// startWorker serves the default operations on bus until the test ends
func startWorker(t *testing.T, bus messaging.Bus, opts ...WorkerOption) *Worker {
	t.Helper()

	registry := messaging.NewRegistry()
	require.NoError(t, operations.Register(registry, map[string]string{
		sumTopic:   operations.KindSum,
		"math.max": operations.KindMax,
	}))

	worker, err := NewWorker(bus, registry, opts...)
	require.NoError(t, err)
	require.NoError(t, worker.Start(context.Background()))
	t.Cleanup(func() { worker.Close() })
	return worker
}

func newTestClient(t *testing.T, bus messaging.Bus, opts ...ClientOption) *Client {
	t.Helper()
	client, err := NewClient(bus, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestInvokeSum(t *testing.T) {
	bus := memory.New()
	startWorker(t, bus)
	client := newTestClient(t, bus)

	result, err := client.Invoke(context.Background(), sumTopic, []float64{3, 7, 2, 9, 1})
	require.NoError(t, err)
	assert.Equal(t, 22.0, result)
	assert.Zero(t, client.Table().Len())
}

func TestInvokeEmptyInput(t *testing.T) {
	bus := memory.New()
	startWorker(t, bus)
	client := newTestClient(t, bus)

	_, err := client.Invoke(context.Background(), sumTopic, []float64{})
	require.Error(t, err)

	var herr *contracts.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, contracts.CodeEmptyInput, herr.Code)
	assert.Contains(t, err.Error(), "empty input")
	assert.ErrorIs(t, err, contracts.ErrHandler)
}

func TestUnknownOperationKeepsWorkerServing(t *testing.T) {
	bus := memory.New()
	startWorker(t, bus)
	client := newTestClient(t, bus)

	_, err := client.Invoke(context.Background(), sumTopic, []float64{1, 2}, messaging.WithOperation("product"))
	var uerr *contracts.UnknownOperationError
	require.ErrorAs(t, err, &uerr)
	assert.ErrorIs(t, err, contracts.ErrUnknownOperation)

	result, err := client.Invoke(context.Background(), sumTopic, []float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 3.0, result)
}

func TestOtherOperation(t *testing.T) {
	bus := memory.New()
	startWorker(t, bus)
	client := newTestClient(t, bus)

	result, err := client.Invoke(context.Background(), "math.max", []float64{3, 7, 2, 9, 1})
	require.NoError(t, err)
	assert.Equal(t, 9.0, result)
}

func TestTimeoutWithoutWorker(t *testing.T) {
	bus := memory.New()
	client := newTestClient(t, bus, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := client.Invoke(context.Background(), "nobody.home", []float64{1})

	var terr *contracts.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, contracts.ErrTimeout)
	assert.Equal(t, 50*time.Millisecond, terr.Timeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Zero(t, client.Table().Len())
}

func TestDuplicateRepliesResolveOnce(t *testing.T) {
	bus := memory.New(memory.WithDuplicateDelivery())
	startWorker(t, bus)

	metrics := monitor.NewSimpleMetricsCollector()
	client := newTestClient(t, bus, WithMetrics(metrics))

	var finished sync.WaitGroup
	var calls int
	var mu sync.Mutex
	finished.Add(1)
	hooked := newTestClient(t, bus, WithMetrics(metrics), WithCallHook(func(ctx context.Context, req *contracts.RequestEnvelope) func(*contracts.ReplyEnvelope, error) {
		return func(*contracts.ReplyEnvelope, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			finished.Done()
		}
	}))

	result, err := client.Invoke(context.Background(), sumTopic, []float64{3, 7, 2, 9, 1})
	require.NoError(t, err)
	assert.Equal(t, 22.0, result)

	result, err = hooked.Invoke(context.Background(), sumTopic, []float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 2.0, result)
	finished.Wait()

	replyTopic := messaging.DefaultReplyTopic(sumTopic)
	assert.Eventually(t, func() bool {
		return metrics.Snapshot().Dropped[replyTopic][messaging.DropUnmatched] > 0
	}, time.Second, 10*time.Millisecond)

	// late duplicates never finish a call twice
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestConcurrentCallsResolveIndependently(t *testing.T) {
	bus := memory.New(memory.WithPartitions(4))
	startWorker(t, bus, WithConcurrency(4))
	client := newTestClient(t, bus, WithSequentialIDs())

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := client.Invoke(context.Background(), sumTopic, []float64{float64(i), 1000})
			if err != nil {
				errs <- err
				return
			}
			if result != float64(i)+1000 {
				errs <- fmt.Errorf("call %d got %v", i, result)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, client.Table().Len())
}

func TestZeroCallTimeoutUsesClientTimeout(t *testing.T) {
	bus := memory.New()
	client := newTestClient(t, bus, WithTimeout(50*time.Millisecond))

	future, err := client.Call(context.Background(), "nobody.home", []float64{1}, messaging.WithTimeout(0))
	require.NoError(t, err)

	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatal("call never expired")
	}
	_, err = future.Result()
	assert.ErrorIs(t, err, contracts.ErrTimeout)
	assert.Zero(t, client.Table().Len())
}

func TestCallerCancellationRemovesEntry(t *testing.T) {
	bus := memory.New()
	client := newTestClient(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Invoke(ctx, "nobody.home", []float64{1}, messaging.WithTimeout(time.Minute))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, client.Table().Len())
}

func TestCloseFailsPendingCalls(t *testing.T) {
	bus := memory.New()
	client, err := NewClient(bus, WithTimeout(time.Minute))
	require.NoError(t, err)

	future, err := client.Call(context.Background(), "nobody.home", []float64{1})
	require.NoError(t, err)

	require.NoError(t, client.Close())

	_, err = future.Result()
	assert.ErrorIs(t, err, contracts.ErrClosed)

	_, err = client.Call(context.Background(), sumTopic, []float64{1})
	assert.ErrorIs(t, err, contracts.ErrClosed)

	// the bus belongs to the caller
	assert.NoError(t, bus.Ping(context.Background()))
	assert.NoError(t, client.Close())
}

func TestTransportFailureResolvesCall(t *testing.T) {
	bus := memory.New(memory.WithPublishFault(func(topic string, msg messaging.Message) error {
		if topic == sumTopic {
			return errors.New("broker unavailable")
		}
		return nil
	}))
	client := newTestClient(t, bus)

	_, err := client.Invoke(context.Background(), sumTopic, []float64{1})
	assert.ErrorIs(t, err, contracts.ErrTransport)
	assert.True(t, contracts.IsTransient(err))
	assert.Zero(t, client.Table().Len())
}

func TestClientsShareReplyTopic(t *testing.T) {
	bus := memory.New()
	startWorker(t, bus)
	first := newTestClient(t, bus)
	second := newTestClient(t, bus)

	assert.NotEqual(t, first.ReplyGroup(), second.ReplyGroup())

	a, err := first.Invoke(context.Background(), sumTopic, []float64{1, 2})
	require.NoError(t, err)
	b, err := second.Invoke(context.Background(), sumTopic, []float64{10, 20})
	require.NoError(t, err)

	assert.Equal(t, 3.0, a)
	assert.Equal(t, 30.0, b)
}

func TestTracingAcrossClientAndWorker(t *testing.T) {
	rec := recorder.NewReporter()
	tracer, err := tracing.NewWithReporter("correlate-test", rec)
	require.NoError(t, err)
	defer tracer.Close()

	bus := memory.New()
	startWorker(t, bus, WithWorkerTracer(tracer))
	client := newTestClient(t, bus, WithTracer(tracer))

	_, err = client.Invoke(context.Background(), sumTopic, []float64{1, 2})
	require.NoError(t, err)

	var spans []model.SpanModel
	require.Eventually(t, func() bool {
		spans = append(spans, rec.Flush()...)
		return len(spans) == 2
	}, time.Second, 10*time.Millisecond)

	kinds := map[model.Kind]model.SpanModel{}
	for _, s := range spans {
		kinds[s.Kind] = s
	}
	producer, consumer := kinds[model.Producer], kinds[model.Consumer]
	assert.Equal(t, producer.TraceID, consumer.TraceID)
	require.NotNil(t, consumer.ParentID)
	assert.Equal(t, producer.ID, *consumer.ParentID)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	_, err = NewClient(memory.New(), WithTimeout(0))
	assert.Error(t, err)

	_, err = NewWorker(nil, messaging.NewRegistry())
	assert.Error(t, err)

	_, err = NewWorker(memory.New(), messaging.NewRegistry())
	assert.Error(t, err, "a worker needs handlers")
}

func TestFromConfig(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Transport = config.TransportMemory
	cfg.Operations = []string{"math.sum", "math.min"}

	worker, err := NewWorkerFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"math.min", "math.sum"}, worker.Operations())
	assert.NoError(t, worker.Close())

	client, err := NewClientFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.Contains(t, client.InstanceID(), cfg.ClientID+"-")
	assert.Contains(t, client.ReplyGroup(), cfg.ClientGroup+"-")
	assert.NoError(t, client.Close())

	// the client owned its bus
	assert.ErrorIs(t, client.Bus().(*memory.Bus).Ping(context.Background()), contracts.ErrClosed)
}

func TestOpenBusUnknownTransport(t *testing.T) {
	_, err := OpenBus(context.Background(), config.Config{Transport: "nats"}, nil)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestOpenBusKafkaNeedsBrokers(t *testing.T) {
	_, err := OpenBus(context.Background(), config.Config{Transport: config.TransportKafka}, nil)
	assert.Error(t, err)
}
