package models

import (
	"time"

	"github.com/google/uuid"
)

// Outbox event types double as RabbitMQ routing keys.
const (
	EventDepositPaid         = "deposit.paid"
	EventDepositReversed     = "deposit.reversed"
	EventWithdrawalPaid      = "withdrawal.paid"
	EventWithdrawalRefunded  = "withdrawal.refunded"
	EventFirstDepositConvert = "conversion.first_deposit"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
)

// OutboxEvent is written in the same transaction as the balance mutation it
// describes and published later by the relay job.
type OutboxEvent struct {
	ID          string                 `bson:"_id" json:"id"`
	Type        string                 `bson:"type" json:"type"`
	AggregateID string                 `bson:"aggregate_id" json:"aggregate_id"`
	Payload     map[string]interface{} `bson:"payload" json:"payload"`
	Status      string                 `bson:"status" json:"status"`
	Attempts    int                    `bson:"attempts" json:"attempts"`
	LastError   string                 `bson:"last_error,omitempty" json:"last_error,omitempty"`
	CreatedAt   time.Time              `bson:"created_at" json:"created_at"`
	PublishedAt *time.Time             `bson:"published_at,omitempty" json:"published_at,omitempty"`
}

func NewOutboxEvent(eventType, aggregateID string, payload map[string]interface{}) *OutboxEvent {
	return &OutboxEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      OutboxStatusPending,
		CreatedAt:   time.Now(),
	}
}
