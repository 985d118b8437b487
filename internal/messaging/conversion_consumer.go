package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"ledger-api/internal/external"
	"ledger-api/internal/models"
	"ledger-api/internal/repository"
)

const (
	defaultConversionQueue = "ledger.conversion"
	conversionDedupeTTL    = 7 * 24 * time.Hour
)

// ConversionConsumer forwards first-deposit events to the conversion tracker.
type ConversionConsumer struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	tracker    external.ConversionTracker
	deliveries repository.DeliveryDeduper
	logger     *logrus.Logger
}

type ConsumerConfig struct {
	URL                string
	Exchange           string
	DeadLetterExchange string
	Queue              string
	PrefetchCount      int
}

// NewConversionConsumer declares the queue, its dead-letter queue and the
// binding to conversion.first_deposit. deliveries may be nil.
func NewConversionConsumer(
	cfg ConsumerConfig,
	tracker external.ConversionTracker,
	deliveries repository.DeliveryDeduper,
	logger *logrus.Logger,
) (*ConversionConsumer, error) {
	if cfg.Queue == "" {
		cfg.Queue = defaultConversionQueue
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 10
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(channel, cfg); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	if err := channel.Qos(cfg.PrefetchCount, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	logger.WithField("queue", cfg.Queue).Info("Conversion consumer initialized")

	return &ConversionConsumer{
		conn:       conn,
		channel:    channel,
		queueName:  cfg.Queue,
		tracker:    tracker,
		deliveries: deliveries,
		logger:     logger,
	}, nil
}

func declareTopology(channel *amqp.Channel, cfg ConsumerConfig) error {
	err := channel.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	var args amqp.Table
	if cfg.DeadLetterExchange != "" {
		err := channel.ExchangeDeclare(cfg.DeadLetterExchange, "fanout", true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to declare dead letter exchange: %w", err)
		}

		deadQueue, err := channel.QueueDeclare(cfg.Queue+".dead", true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to declare dead letter queue: %w", err)
		}
		if err := channel.QueueBind(deadQueue.Name, "", cfg.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind dead letter queue: %w", err)
		}
		args = amqp.Table{"x-dead-letter-exchange": cfg.DeadLetterExchange}
	}

	queue, err := channel.QueueDeclare(cfg.Queue, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := channel.QueueBind(queue.Name, models.EventFirstDepositConvert, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Start blocks until ctx is cancelled or the delivery channel closes.
func (c *ConversionConsumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Conversion consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Conversion consumer shutting down")
			return ctx.Err()

		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.handle(ctx, msg)
		}
	}
}

// handle settles one delivery. Transient failures are requeued once and then
// dead-lettered; permanent failures and malformed bodies go straight to the
// dead-letter exchange.
func (c *ConversionConsumer) handle(ctx context.Context, msg amqp.Delivery) {
	log := c.logger.WithFields(logrus.Fields{
		"message_id":  msg.MessageId,
		"redelivered": msg.Redelivered,
	})

	var event external.EventMessage
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		log.WithError(err).Error("Malformed conversion event")
		c.nack(msg, false)
		return
	}
	if event.EventID == "" {
		event.EventID = msg.MessageId
	}

	conversion, err := conversionFrom(&event)
	if err != nil {
		log.WithError(err).Error("Invalid conversion payload")
		c.nack(msg, false)
		return
	}

	dedupeKey := "conversion:" + event.EventID
	if c.deliveries != nil && event.EventID != "" {
		first, err := c.deliveries.FirstDelivery(ctx, dedupeKey, conversionDedupeTTL)
		if err != nil {
			log.WithError(err).Warn("Conversion dedupe unavailable, tracking anyway")
		} else if !first {
			log.Debug("Conversion already tracked")
			c.ack(msg)
			return
		}
	}

	err = c.tracker.TrackFirstDeposit(ctx, conversion)
	if err == nil {
		log.WithField("order_id", conversion.OrderID).Info("First deposit conversion tracked")
		c.ack(msg)
		return
	}

	if c.deliveries != nil && event.EventID != "" {
		if ferr := c.deliveries.Forget(ctx, dedupeKey); ferr != nil {
			log.WithError(ferr).Warn("Failed to clear conversion dedupe key")
		}
	}

	if errors.Is(err, external.ErrPermanentFailure) {
		log.WithError(err).Error("Conversion rejected by tracker")
		c.nack(msg, false)
		return
	}

	log.WithError(err).Warn("Conversion tracking failed")
	c.nack(msg, !msg.Redelivered)
}

func conversionFrom(event *external.EventMessage) (*external.Conversion, error) {
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, err
	}

	var conversion external.Conversion
	if err := json.Unmarshal(raw, &conversion); err != nil {
		return nil, err
	}
	if conversion.OrderID == "" || conversion.UserID == "" {
		return nil, fmt.Errorf("order_id and user_id are required")
	}
	if !conversion.Value.IsPositive() {
		return nil, fmt.Errorf("value must be positive, got %s", conversion.Value)
	}
	return &conversion, nil
}

func (c *ConversionConsumer) ack(msg amqp.Delivery) {
	if err := msg.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to ack conversion event")
	}
}

func (c *ConversionConsumer) nack(msg amqp.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		c.logger.WithError(err).Error("Failed to nack conversion event")
	}
}

// Ping reports whether the consumer connection is still open.
func (c *ConversionConsumer) Ping(ctx context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("rabbitmq consumer connection is closed")
	}
	return nil
}

func (c *ConversionConsumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
