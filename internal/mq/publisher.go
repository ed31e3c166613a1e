package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/agentrun/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunStatus     MessageType = "run.status"
	MessageTypeStepCompleted MessageType = "step.completed"
	MessageTypeCancelRun     MessageType = "run.cancel"
	MessageTypeRunPaused     MessageType = "run.paused"
	MessageTypeRunResumed    MessageType = "run.resumed"
)

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// CancelRunPayload — payload команды отмены run.
type CancelRunPayload struct {
	RunID  uuid.UUID `json:"run_id"`
	Reason string    `json:"reason,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishEvent публикует событие run в agentrun.events.
// Реализует events.Sink.
func (p *Publisher) PublishEvent(ctx context.Context, ev domain.Event) error {
	msgType, routingKey := eventRoute(ev)
	return p.Publish(ctx, ExchangeEvents, routingKey, NewMessage(msgType, ev))
}

// eventRoute возвращает тип сообщения и ключ маршрутизации события.
func eventRoute(ev domain.Event) (MessageType, RoutingKey) {
	switch ev.Type {
	case domain.EventStepCompleted:
		return MessageTypeStepCompleted, RoutingKeyStepDone
	case domain.EventRunPaused:
		return MessageTypeRunPaused, RoutingKeyRunPaused
	case domain.EventRunResumed:
		return MessageTypeRunResumed, RoutingKeyRunResumed
	default:
		return MessageTypeRunStatus, StatusRoutingKey(string(ev.Status))
	}
}

// NewMessage создаёт конверт с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
