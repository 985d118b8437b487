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
	apperrors "ledger-api/pkg/errors"
)

type ReferralRepository interface {
	Create(ctx context.Context, referral *models.Referral) error
	GetPendingByReferred(ctx context.Context, referredID primitive.ObjectID) (*models.Referral, error)
	Qualify(ctx context.Context, id primitive.ObjectID) (bool, error)
	CreateIndexes(ctx context.Context) error
}

type referralRepository struct {
	collection *mongo.Collection
}

func NewReferralRepository(db *mongo.Database) ReferralRepository {
	return &referralRepository{
		collection: db.Collection("referrals"),
	}
}

func (r *referralRepository) Create(ctx context.Context, referral *models.Referral) error {
	if referral.Status == "" {
		referral.Status = models.ReferralStatusPending
	}
	referral.CreatedAt = time.Now()

	result, err := r.collection.InsertOne(ctx, referral)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("referral for %s: %w", referral.ReferredID.Hex(), apperrors.ErrDuplicate)
		}
		return fmt.Errorf("failed to create referral: %w", err)
	}

	referral.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

// GetPendingByReferred returns nil, nil when the user has no pending referral.
func (r *referralRepository) GetPendingByReferred(ctx context.Context, referredID primitive.ObjectID) (*models.Referral, error) {
	var referral models.Referral
	filter := bson.M{"referred_id": referredID, "status": models.ReferralStatusPending}
	err := r.collection.FindOne(ctx, filter).Decode(&referral)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	return &referral, nil
}

// Qualify flips pending to qualified and reports whether this call did it.
func (r *referralRepository) Qualify(ctx context.Context, id primitive.ObjectID) (bool, error) {
	now := time.Now()
	filter := bson.M{"_id": id, "status": models.ReferralStatusPending}
	update := bson.M{"$set": bson.M{"status": models.ReferralStatusQualified, "qualified_at": now}}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to qualify referral: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

func (r *referralRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "referred_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "referrer_id", Value: 1}, {Key: "status", Value: 1}},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create referral indexes: %w", err)
	}
	return nil
}
