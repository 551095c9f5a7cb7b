package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange routes every topic by routing key
const DefaultExchange = "correlate"

// TopologyChannel is the subset of *amqp.Channel used to declare topology
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology maps topics and consumer groups onto AMQP objects. A topic is a
// routing key on a durable direct exchange. Each named group owns a durable
// queue bound to that key, so groups each receive every message and members
// of one group compete for it. An empty group gets a private exclusive queue.
// An ephemeral group keeps its name but its queue is exclusive and is deleted
// with the connection that declared it.
type Topology struct {
	Exchange string
}

// NewTopology returns a topology on the given exchange
func NewTopology(exchange string) Topology {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return Topology{Exchange: exchange}
}

// QueueName returns the queue owned by a group on a topic
func (t Topology) QueueName(topic, group string) string {
	if group == "" {
		return ""
	}
	return topic + "." + group
}

// DeclareExchange declares the routing exchange
func (t Topology) DeclareExchange(ch TopologyChannel) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: t.Exchange, Op: "declare", Err: err}
	}
	return nil
}

// DeclareGroupQueue declares and binds the queue for a subscription and
// returns its name
func (t Topology) DeclareGroupQueue(ch TopologyChannel, topic, group string, ephemeral bool) (string, error) {
	name := t.QueueName(topic, group)
	private := name == "" || ephemeral

	q, err := ch.QueueDeclare(name, !private, private, private, false, nil)
	if err != nil {
		return "", &TopologyError{Component: "queue", Name: name, Op: "declare", Err: err}
	}

	if err := ch.QueueBind(q.Name, topic, t.Exchange, false, nil); err != nil {
		return "", &TopologyError{Component: "binding", Name: q.Name, Op: "bind", Err: err}
	}
	return q.Name, nil
}
