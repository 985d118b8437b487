package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ledger-api/internal/models"
)

// AuditRepository is the append-only store of webhook deliveries.
type AuditRepository interface {
	Insert(ctx context.Context, entry *models.WebhookLog) error
	ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*models.WebhookLog, error)
	CreateIndexes(ctx context.Context) error
}

type auditRepository struct {
	collection *mongo.Collection
}

func NewAuditRepository(db *mongo.Database) AuditRepository {
	return &auditRepository{
		collection: db.Collection("webhook_logs"),
	}
}

func (r *auditRepository) Insert(ctx context.Context, entry *models.WebhookLog) error {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now()
	}
	if _, err := r.collection.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert webhook log: %w", err)
	}
	return nil
}

func (r *auditRepository) ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*models.WebhookLog, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "received_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{"transaction_id": transactionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook logs: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*models.WebhookLog
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode webhook logs: %w", err)
	}
	return entries, nil
}

func (r *auditRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "transaction_id", Value: 1}, {Key: "received_at", Value: -1}},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create webhook log indexes: %w", err)
	}
	return nil
}
