package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/money"
)

const (
	TxnTypeDebit  = "debit"
	TxnTypeCredit = "credit"
)

// GameTransaction is the idempotency record of one provider transaction id.
// It is written once and never updated.
type GameTransaction struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	TxnID    string             `bson:"txn_id" json:"txn_id"`
	UserID   primitive.ObjectID `bson:"user_id" json:"user_id"`
	UserCode string             `bson:"user_code" json:"user_code"`

	TxnType      string       `bson:"txn_type" json:"txn_type"`
	Bet          money.Amount `bson:"bet" json:"bet"`
	Win          money.Amount `bson:"win" json:"win"`
	Delta        money.Amount `bson:"delta" json:"delta"`
	BalanceAfter money.Amount `bson:"balance_after" json:"balance_after"`

	// Live is false for demo rounds, which never move the balance.
	Live bool `bson:"live" json:"live"`

	ProviderCode string `bson:"provider_code,omitempty" json:"provider_code,omitempty"`
	GameCode     string `bson:"game_code,omitempty" json:"game_code,omitempty"`
	GameType     string `bson:"game_type,omitempty" json:"game_type,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// GameDelta computes the balance delta of a round.
func GameDelta(txnType string, bet, win money.Amount) money.Amount {
	switch txnType {
	case TxnTypeDebit:
		return -bet
	case TxnTypeCredit:
		return win
	default:
		return win - bet
	}
}
