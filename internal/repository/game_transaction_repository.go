package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ledger-api/internal/models"
	"ledger-api/internal/money"
	apperrors "ledger-api/pkg/errors"
)

// GameTransactionRepository is the idempotency ledger of seamless rounds. The
// unique index on txn_id is what makes a second delivery fail.
type GameTransactionRepository interface {
	GetByTxnID(ctx context.Context, txnID string) (*models.GameTransaction, error)
	Insert(ctx context.Context, entry *models.GameTransaction) error
	SumLiveBets(ctx context.Context, userID primitive.ObjectID) (money.Amount, error)
	CreateIndexes(ctx context.Context) error
}

type gameTransactionRepository struct {
	collection *mongo.Collection
}

func NewGameTransactionRepository(db *mongo.Database) GameTransactionRepository {
	return &gameTransactionRepository{
		collection: db.Collection("game_transactions"),
	}
}

// GetByTxnID returns nil, nil when the id has not been seen.
func (r *gameTransactionRepository) GetByTxnID(ctx context.Context, txnID string) (*models.GameTransaction, error) {
	var entry models.GameTransaction
	err := r.collection.FindOne(ctx, bson.M{"txn_id": txnID}).Decode(&entry)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get game transaction: %w", err)
	}
	return &entry, nil
}

func (r *gameTransactionRepository) Insert(ctx context.Context, entry *models.GameTransaction) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	result, err := r.collection.InsertOne(ctx, entry)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("txn %s: %w", entry.TxnID, apperrors.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert game transaction: %w", err)
	}

	entry.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

// SumLiveBets totals the debits of live rounds, which is what total_bets
// tracks.
func (r *gameTransactionRepository) SumLiveBets(ctx context.Context, userID primitive.ObjectID) (money.Amount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"user_id": userID,
			"live":    true,
			"delta":   bson.M{"$lt": 0},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": "$delta"},
		}}},
	}

	return sumAggregate(ctx, r.collection, pipeline, true)
}

func (r *gameTransactionRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "txn_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create game transaction indexes: %w", err)
	}
	return nil
}

// sumAggregate runs a pipeline ending in a {_id: null, total} group.
func sumAggregate(ctx context.Context, collection *mongo.Collection, pipeline mongo.Pipeline, negate bool) (money.Amount, error) {
	cursor, err := collection.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate %s: %w", collection.Name(), err)
	}
	defer cursor.Close(ctx)

	var result struct {
		Total int64 `bson:"total"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&result); err != nil {
			return 0, fmt.Errorf("failed to decode aggregate: %w", err)
		}
	}
	if err := cursor.Err(); err != nil {
		return 0, err
	}

	if negate {
		return money.Amount(-result.Total), nil
	}
	return money.Amount(result.Total), nil
}
