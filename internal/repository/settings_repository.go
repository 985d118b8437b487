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

// SettingsRepository reads and writes the reward configuration document.
type SettingsRepository interface {
	GetRewards(ctx context.Context) (*models.RewardSettings, error)
	SaveRewards(ctx context.Context, settings *models.RewardSettings) error
}

type settingsRepository struct {
	collection *mongo.Collection
}

func NewSettingsRepository(db *mongo.Database) SettingsRepository {
	return &settingsRepository{
		collection: db.Collection("settings"),
	}
}

// GetRewards falls back to the built-in defaults when nothing is stored yet.
func (r *settingsRepository) GetRewards(ctx context.Context) (*models.RewardSettings, error) {
	var settings models.RewardSettings
	err := r.collection.FindOne(ctx, bson.M{"_id": models.RewardSettingsID}).Decode(&settings)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return models.DefaultRewardSettings(), nil
		}
		return nil, fmt.Errorf("failed to get reward settings: %w", err)
	}
	return &settings, nil
}

func (r *settingsRepository) SaveRewards(ctx context.Context, settings *models.RewardSettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid reward settings: %w", err)
	}
	settings.ID = models.RewardSettingsID
	settings.UpdatedAt = time.Now()

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, bson.M{"_id": models.RewardSettingsID}, settings, opts); err != nil {
		return fmt.Errorf("failed to save reward settings: %w", err)
	}
	return nil
}
