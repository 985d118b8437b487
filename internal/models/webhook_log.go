package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	WebhookKindDeposit  = "deposit"
	WebhookKindWithdraw = "withdraw"
)

// Outcomes recorded for a webhook delivery.
const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// WebhookLog is an append-only record of a gateway callback and what the
// settlement engine did with it.
type WebhookLog struct {
	ID               primitive.ObjectID     `bson:"_id,omitempty" json:"id,omitempty"`
	Kind             string                 `bson:"kind" json:"kind"`
	TransactionID    string                 `bson:"transaction_id" json:"transaction_id"`
	RawStatus        string                 `bson:"raw_status" json:"raw_status"`
	NormalizedStatus string                 `bson:"normalized_status" json:"normalized_status"`
	Outcome          string                 `bson:"outcome" json:"outcome"`
	Error            string                 `bson:"error,omitempty" json:"error,omitempty"`
	Payload          map[string]interface{} `bson:"payload" json:"payload"`
	ReceivedAt       time.Time              `bson:"received_at" json:"received_at"`
}
