package external

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"ledger-api/internal/config"
	"ledger-api/internal/models"
)

// MessageQueue publishes committed outbox events to the ledger topic exchange.
type MessageQueue interface {
	PublishEvent(ctx context.Context, event *models.OutboxEvent) error
	Ping(ctx context.Context) error
	Close() error
}

type messageQueue struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *MessageQueueConfig
}

type MessageQueueConfig struct {
	URL                string
	ExchangeName       string
	DeadLetterExchange string
	RetryAttempts      int
	RetryDelay         time.Duration
	PrefetchCount      int
}

// EventMessage is the JSON body of every published event.
type EventMessage struct {
	EventID     string                 `json:"event_id"`
	EventType   string                 `json:"event_type"`
	AggregateID string                 `json:"aggregate_id"`
	Payload     map[string]interface{} `json:"payload"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

func MessageQueueConfigFrom(cfg config.RabbitMQConfig) *MessageQueueConfig {
	return &MessageQueueConfig{
		URL:                cfg.URL,
		ExchangeName:       cfg.Exchange,
		DeadLetterExchange: cfg.DeadLetterExchange,
		RetryAttempts:      cfg.RetryAttempts,
		RetryDelay:         cfg.RetryDelay,
		PrefetchCount:      cfg.PrefetchCount,
	}
}

func NewMessageQueue(config *MessageQueueConfig) (MessageQueue, error) {
	if config.ExchangeName == "" {
		config.ExchangeName = "ledger_events"
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}
	if config.PrefetchCount == 0 {
		config.PrefetchCount = 10
	}

	mq := &messageQueue{config: config}

	if err := mq.connect(); err != nil {
		return nil, err
	}

	if err := mq.setupExchanges(); err != nil {
		mq.Close()
		return nil, err
	}

	return mq, nil
}

// Connection management
func (mq *messageQueue) connect() error {
	var err error
	mq.conn, err = amqp.Dial(mq.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	mq.channel, err = mq.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := mq.channel.Qos(mq.config.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	return nil
}

func (mq *messageQueue) setupExchanges() error {
	err := mq.channel.ExchangeDeclare(
		mq.config.ExchangeName, // name
		"topic",                // type
		true,                   // durable
		false,                  // auto-deleted
		false,                  // internal
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", mq.config.ExchangeName, err)
	}

	if mq.config.DeadLetterExchange != "" {
		err := mq.channel.ExchangeDeclare(
			mq.config.DeadLetterExchange, // name
			"fanout",                     // type
			true,                         // durable
			false,                        // auto-deleted
			false,                        // internal
			false,                        // no-wait
			nil,                          // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare dead letter exchange: %w", err)
		}
	}

	return nil
}

// PublishEvent publishes one outbox event with the event type as routing key.
// The event id doubles as the AMQP message id so consumers can drop
// redeliveries.
func (mq *messageQueue) PublishEvent(ctx context.Context, event *models.OutboxEvent) error {
	publishing, err := buildPublishing(event)
	if err != nil {
		return err
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()

	var publishErr error
	for attempt := 0; attempt < mq.config.RetryAttempts; attempt++ {
		publishErr = mq.channel.PublishWithContext(
			ctx,
			mq.config.ExchangeName, // exchange
			event.Type,             // routing key
			false,                  // mandatory
			false,                  // immediate
			publishing,
		)
		if publishErr == nil {
			return nil
		}

		if mq.conn.IsClosed() || mq.channel.IsClosed() {
			if reconnectErr := mq.reconnect(); reconnectErr != nil {
				logrus.WithError(reconnectErr).Warn("Failed to reconnect to RabbitMQ")
			}
		}

		if attempt < mq.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(mq.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	return fmt.Errorf("failed to publish %s after %d attempts: %w", event.Type, mq.config.RetryAttempts, publishErr)
}

func buildPublishing(event *models.OutboxEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(EventMessage{
		EventID:     event.ID,
		EventType:   event.Type,
		AggregateID: event.AggregateID,
		Payload:     event.Payload,
		OccurredAt:  event.CreatedAt,
	})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
		MessageId:    event.ID,
		Type:         event.Type,
		DeliveryMode: amqp.Persistent,
	}, nil
}

func (mq *messageQueue) reconnect() error {
	if mq.channel != nil {
		mq.channel.Close()
	}
	if mq.conn != nil {
		mq.conn.Close()
	}

	if err := mq.connect(); err != nil {
		return err
	}

	return mq.setupExchanges()
}

func (mq *messageQueue) Ping(ctx context.Context) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.conn == nil || mq.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	if mq.channel == nil || mq.channel.IsClosed() {
		return fmt.Errorf("rabbitmq channel is closed")
	}
	return nil
}

func (mq *messageQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	var errs []error

	if mq.channel != nil && !mq.channel.IsClosed() {
		if err := mq.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}

	if mq.conn != nil && !mq.conn.IsClosed() {
		if err := mq.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing message queue: %v", errs)
	}

	return nil
}
