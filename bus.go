package correlate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/correlate/config"
	"github.com/glimte/correlate/messaging"
	kafkaTransport "github.com/glimte/correlate/transports/kafka"
	memoryTransport "github.com/glimte/correlate/transports/memory"
	rabbitmqTransport "github.com/glimte/correlate/transports/rabbitmq"
)

// OpenBus creates the bus selected by cfg.Transport
func OpenBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (messaging.Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Transport {
	case config.TransportMemory:
		return memoryTransport.New(memoryTransport.WithLogger(logger)), nil

	case config.TransportKafka:
		bus, err := kafkaTransport.New(cfg.Kafka.Brokers,
			kafkaTransport.WithAutoCreateTopics(cfg.Kafka.AutoCreateTopics),
			kafkaTransport.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka bus: %w", err)
		}
		return bus, nil

	case config.TransportRabbitMQ:
		opts := []rabbitmqTransport.Option{rabbitmqTransport.WithLogger(logger)}
		if cfg.AMQP.Exchange != "" {
			opts = append(opts, rabbitmqTransport.WithExchange(cfg.AMQP.Exchange))
		}
		bus, err := rabbitmqTransport.New(ctx, cfg.AMQP.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq bus: %w", err)
		}
		return bus, nil
	}

	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}
