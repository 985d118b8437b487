package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/money"
)

type OrderType string

const (
	OrderTypeDeposit  OrderType = "deposit"
	OrderTypeWithdraw OrderType = "withdraw"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Sources recorded in a status history entry.
const (
	SourceWebhook = "webhook"
	SourceAdmin   = "admin"
	SourceExpiry  = "expiry"
	SourceGateway = "gateway"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusPaid, OrderStatusFailed, OrderStatusCancelled:
		return true
	}
	return false
}

// PaymentOrder is a PIX deposit or withdrawal. IDTransaction is issued by the
// gateway and stays empty until the gateway answers.
type PaymentOrder struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	IDTransaction string             `bson:"id_transaction,omitempty" json:"id_transaction,omitempty"`
	ExternalID    string             `bson:"external_id" json:"external_id"`
	UserID        primitive.ObjectID `bson:"user_id" json:"user_id"`

	Type   OrderType   `bson:"type" json:"type"`
	Status OrderStatus `bson:"status" json:"status"`

	Amount       money.Amount `bson:"amount" json:"amount"`
	Fee          money.Amount `bson:"fee" json:"fee"`
	NetAmount    money.Amount `bson:"net_amount" json:"net_amount"`
	BonusAmount  money.Amount `bson:"bonus_amount" json:"bonus_amount"`
	FirstDeposit bool         `bson:"first_deposit" json:"first_deposit"`

	PixKey     string `bson:"pix_key,omitempty" json:"pix_key,omitempty"`
	PixKeyType string `bson:"pix_key_type,omitempty" json:"pix_key_type,omitempty"`
	QRCode     string `bson:"qr_code,omitempty" json:"qr_code,omitempty"`

	StatusHistory []StatusChange `bson:"status_history" json:"status_history"`

	// FlaggedAt is set when the order needs an operator, such as a
	// withdrawal that never received its gateway id.
	FlaggedAt  *time.Time `bson:"flagged_at,omitempty" json:"flagged_at,omitempty"`
	FlagReason string     `bson:"flag_reason,omitempty" json:"flag_reason,omitempty"`

	ExpiresAt *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	PaidAt    *time.Time `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	FailedAt  *time.Time `bson:"failed_at,omitempty" json:"failed_at,omitempty"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updated_at"`
}

type StatusChange struct {
	From   OrderStatus `bson:"from" json:"from"`
	To     OrderStatus `bson:"to" json:"to"`
	Source string      `bson:"source" json:"source"`
	Reason string      `bson:"reason,omitempty" json:"reason,omitempty"`
	At     time.Time   `bson:"at" json:"at"`
}

// OrderUpdate carries the fields written together with a status transition.
type OrderUpdate struct {
	Change    StatusChange
	Fee       *money.Amount
	NetAmount *money.Amount
	Bonus     *money.Amount
	First     *bool
	PaidAt    *time.Time
	FailedAt  *time.Time
}

func NewDepositOrder(userID primitive.ObjectID, amount money.Amount, ttl time.Duration) *PaymentOrder {
	now := time.Now()
	expires := now.Add(ttl)
	return &PaymentOrder{
		ExternalID:    uuid.NewString(),
		UserID:        userID,
		Type:          OrderTypeDeposit,
		Status:        OrderStatusPending,
		Amount:        amount,
		NetAmount:     amount,
		StatusHistory: []StatusChange{},
		ExpiresAt:     &expires,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func NewWithdrawOrder(userID primitive.ObjectID, amount money.Amount, pixKey, pixKeyType string) *PaymentOrder {
	now := time.Now()
	return &PaymentOrder{
		ExternalID:    uuid.NewString(),
		UserID:        userID,
		Type:          OrderTypeWithdraw,
		Status:        OrderStatusPending,
		Amount:        amount,
		NetAmount:     amount,
		PixKey:        pixKey,
		PixKeyType:    pixKeyType,
		StatusHistory: []StatusChange{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// FundsApplied reports whether an order sitting in status has moved money on
// the user's balance. Deposits credit only while paid; withdrawals are debited
// from creation until they fail or are cancelled.
func (o *PaymentOrder) FundsApplied(status OrderStatus) bool {
	if o.Type == OrderTypeDeposit {
		return status == OrderStatusPaid
	}
	switch status {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusPaid:
		return true
	}
	return false
}

// CanEnter validates a target status for the order type.
func (o *PaymentOrder) CanEnter(status OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	if status == OrderStatusProcessing && o.Type != OrderTypeWithdraw {
		return fmt.Errorf("status %q is only valid for withdrawals", status)
	}
	return nil
}

func (o *PaymentOrder) IsTerminal() bool {
	switch o.Status {
	case OrderStatusPaid, OrderStatusFailed, OrderStatusCancelled:
		return true
	}
	return false
}

func (o *PaymentOrder) Validate() error {
	if o.UserID.IsZero() {
		return fmt.Errorf("user id is required")
	}
	if o.Type != OrderTypeDeposit && o.Type != OrderTypeWithdraw {
		return fmt.Errorf("invalid order type: %s", o.Type)
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if o.Fee < 0 || o.Fee > o.Amount {
		return fmt.Errorf("fee %s out of range for amount %s", o.Fee, o.Amount)
	}
	if o.Type == OrderTypeWithdraw && o.PixKey == "" {
		return fmt.Errorf("pix key is required for withdrawals")
	}
	return nil
}
