package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeBatchRequested   MessageType = "batch.requested"
	MessageTypeActivityFinished MessageType = "activity.finished"
	MessageTypeRunFinished      MessageType = "run.finished"
)

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

// Message — сообщение для публикации.
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

// NewMessage создаёт сообщение со случайным ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// BatchRequestedPayload — запрос на запуск пакета.
type BatchRequestedPayload struct {
	RunID        string   `json:"run_id"`
	ContainerIDs []string `json:"container_ids"`
}

// ActivityFinishedPayload — событие о терминальном outcome контейнера.
type ActivityFinishedPayload struct {
	RunID       string          `json:"run_id"`
	ContainerID string          `json:"container_id"`
	Status      string          `json:"status"` // SUCCEEDED или GIVEN_UP
	Payload     json.RawMessage `json:"payload,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
}

// RunFinishedPayload — событие о завершении run.
type RunFinishedPayload struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"` // COMPLETED или FAILED
	Error      string `json:"error,omitempty"`
	Containers int    `json:"containers"`
	Succeeded  int    `json:"succeeded"`
	GivenUp    int    `json:"given_up"`
}

// Publish публикует сообщение в указанный exchange с routing key.
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
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Type:         string(msg.Type),
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

// PublishBatchRequested публикует запрос на запуск пакета.
// Потребитель: berth-server.
func (p *Publisher) PublishBatchRequested(ctx context.Context, payload BatchRequestedPayload) error {
	return p.Publish(ctx, ExchangeBatches, RoutingKeyRequested, NewMessage(MessageTypeBatchRequested, payload))
}
