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
	ExchangeEvents   Exchange = "agentrun.events"
	ExchangeCommands Exchange = "agentrun.commands"
	ExchangeDLQ      Exchange = "agentrun.dlq"
)

// Queues — имена очередей.
const (
	QueueCommands    Queue = "agent.commands"
	QueueDLQCommands Queue = "dlq.commands"
)

// Routing keys.
//
// События публикуются с ключами "run.status.<STATUS>", "step.completed",
// "run.paused" и "run.resumed"; внешние потребители привязывают свои
// очереди к agentrun.events.
const (
	RoutingKeyCancel      RoutingKey = "cancel"
	RoutingKeyDLQCommands RoutingKey = "commands"
	RoutingKeyStepDone    RoutingKey = "step.completed"
	RoutingKeyRunPaused   RoutingKey = "run.paused"
	RoutingKeyRunResumed  RoutingKey = "run.resumed"
)

// StatusRoutingKey возвращает ключ события смены статуса.
func StatusRoutingKey(status string) RoutingKey {
	return RoutingKey("run.status." + status)
}

// SetupTopology объявляет exchanges, очереди и привязки. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Создаём queues
		if err := declareQueues(ch); err != nil {
			return err
		}

		// 3. Привязываем queues к exchanges
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeEvents, "topic"},
		{ExchangeCommands, "direct"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
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
	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQCommands),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// agent.commands — команды от других сервисов, битые уходят в DLQ
		{QueueCommands, dlqArgs},
		{QueueDLQCommands, nil},
	}

	for _, q := range queues {
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
	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueCommands, RoutingKeyCancel, ExchangeCommands},
		{QueueDLQCommands, RoutingKeyDLQCommands, ExchangeDLQ},
	}

	for _, b := range bindings {
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
