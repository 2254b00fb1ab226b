package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeBatches Exchange = "berth.batches"
	ExchangeEvents  Exchange = "berth.events"
	ExchangeDLQ     Exchange = "berth.dlq"
)

// Queues — имена очередей.
const (
	QueueBatchesRequested Queue = "batches.requested"
	QueueActivityFinished Queue = "activity.finished"
	QueueRunFinished      Queue = "run.finished"
	QueueDLQBatches       Queue = "dlq.batches"
)

// Routing keys.
const (
	RoutingKeyRequested        RoutingKey = "requested"
	RoutingKeyActivityFinished RoutingKey = "activity.finished"
	RoutingKeyRunFinished      RoutingKey = "run.finished"
	RoutingKeyDLQBatches       RoutingKey = "batches"
)

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type bindingDecl struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// Topology — полный набор объявлений RabbitMQ для Berth.
type Topology struct {
	exchanges []exchangeDecl
	queues    []queueDecl
	bindings  []bindingDecl
}

// DefaultTopology возвращает топологию Berth.
func DefaultTopology() Topology {
	// Запросы, которые не удалось разобрать, уходят в DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQBatches),
	}

	return Topology{
		exchanges: []exchangeDecl{
			{ExchangeBatches, "direct"},
			{ExchangeEvents, "topic"},
			{ExchangeDLQ, "direct"},
		},
		queues: []queueDecl{
			{QueueBatchesRequested, dlqArgs},
			{QueueActivityFinished, nil},
			{QueueRunFinished, nil},
			{QueueDLQBatches, nil},
		},
		bindings: []bindingDecl{
			{QueueBatchesRequested, RoutingKeyRequested, ExchangeBatches},
			{QueueActivityFinished, RoutingKeyActivityFinished, ExchangeEvents},
			{QueueRunFinished, RoutingKeyRunFinished, ExchangeEvents},
			{QueueDLQBatches, RoutingKeyDLQBatches, ExchangeDLQ},
		},
	}
}

// SetupTopology объявляет exchanges, queues и bindings Berth.
// Объявления идемпотентны: повторный вызов на существующей топологии безопасен.
func SetupTopology(ctx context.Context, conn *Connection) error {
	t := DefaultTopology()
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return t.declare(ch)
	})
}

// declarer — часть amqp.Channel, нужная для объявления топологии.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func (t Topology) declare(ch declarer) error {
	// 1. Создаём exchanges
	for _, ex := range t.exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	// 2. Создаём queues
	for _, q := range t.queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	// 3. Привязываем queues к exchanges
	for _, b := range t.bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Berth RabbitMQ Topology:

    berth.batches (direct)
    └── batches.requested [routing: requested]
            Consumer: berth-server (client.HandleBatchRequested)
            DLQ: dlq.batches

    berth.events (topic)
    ├── activity.finished [routing: activity.finished]
    └── run.finished [routing: run.finished]
            Published after durable write

    berth.dlq (direct)
    └── dlq.batches [routing: batches]
            Manual processing
  `
}
