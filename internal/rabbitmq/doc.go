// Package rabbitmq provides the AMQP plumbing behind the RabbitMQ bus.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with backoff
//   - Publisher: publishes on a confirm-mode channel and waits for acks
//   - Consumer: consumes group queues and resubscribes after reconnects
//   - Topology: maps topics and consumer groups onto exchanges and queues
package rabbitmq
