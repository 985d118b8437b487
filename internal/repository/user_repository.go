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

type UserRepository interface {
	Create(ctx context.Context, user *models.UserAccount) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.UserAccount, error)
	GetByCode(ctx context.Context, userCode string) (*models.UserAccount, error)
	AdjustBalance(ctx context.Context, id primitive.ObjectID, adj models.BalanceAdjustment) (*models.UserAccount, error)
	SetVIPLevelIfHigher(ctx context.Context, id primitive.ObjectID, level int) (bool, error)
	IncrementQualifiedReferrals(ctx context.Context, id primitive.ObjectID) (*models.UserAccount, error)
	ClaimFirstDeposit(ctx context.Context, id, orderID primitive.ObjectID) (bool, error)
	UnlockChestTiers(ctx context.Context, id primitive.ObjectID, tiers []int) error
	RaiseTotals(ctx context.Context, id primitive.ObjectID, deposits, withdrawals, bets money.Amount) (*models.UserAccount, error)
	ListActiveIDs(ctx context.Context, after primitive.ObjectID, limit int) ([]primitive.ObjectID, error)
	CreateIndexes(ctx context.Context) error
}

type userRepository struct {
	collection *mongo.Collection
}

func NewUserRepository(db *mongo.Database) UserRepository {
	return &userRepository{
		collection: db.Collection("users"),
	}
}

func (r *userRepository) Create(ctx context.Context, user *models.UserAccount) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidParameter, err)
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt

	result, err := r.collection.InsertOne(ctx, user)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("user %s: %w", user.UserCode, apperrors.ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.UserAccount, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *userRepository) GetByCode(ctx context.Context, userCode string) (*models.UserAccount, error) {
	return r.findOne(ctx, bson.M{"user_code": userCode})
}

func (r *userRepository) findOne(ctx context.Context, filter bson.M) (*models.UserAccount, error) {
	var user models.UserAccount
	err := r.collection.FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, apperrors.ErrInvalidUser
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// AdjustBalance applies adj in a single conditional update. A debit only
// matches when the resulting balance (or withdrawable balance) stays
// non-negative, and the bonus balance is re-clamped to [0, balance] in the
// same write.
func (r *userRepository) AdjustBalance(ctx context.Context, id primitive.ObjectID, adj models.BalanceAdjustment) (*models.UserAccount, error) {
	filter := bson.M{"_id": id}
	if adj.Balance < 0 {
		available := interface{}("$balance")
		if adj.RequireWithdrawable {
			available = bson.M{"$subtract": bson.A{"$balance", "$bonus_balance"}}
		}
		filter["$expr"] = bson.M{
			"$gte": bson.A{bson.M{"$add": bson.A{available, int64(adj.Balance)}}, 0},
		}
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "balance", Value: bson.M{"$add": bson.A{"$balance", int64(adj.Balance)}}},
			{Key: "total_deposits", Value: bson.M{"$add": bson.A{"$total_deposits", int64(adj.Deposits)}}},
			{Key: "total_withdrawals", Value: bson.M{"$add": bson.A{"$total_withdrawals", int64(adj.Withdrawals)}}},
			{Key: "total_bets", Value: bson.M{"$add": bson.A{"$total_bets", int64(adj.Bets)}}},
			{Key: "updated_at", Value: time.Now()},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "bonus_balance", Value: bson.M{"$max": bson.A{
				int64(0),
				bson.M{"$min": bson.A{
					bson.M{"$add": bson.A{"$bonus_balance", int64(adj.Bonus)}},
					"$balance",
				}},
			}}},
		}}},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var user models.UserAccount
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&user)
	if err == nil {
		return &user, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("failed to adjust balance: %w", err)
	}

	// No match: either the user does not exist or the guard rejected the debit.
	count, countErr := r.collection.CountDocuments(ctx, bson.M{"_id": id})
	if countErr != nil {
		return nil, fmt.Errorf("failed to check user existence: %w", countErr)
	}
	if count == 0 {
		return nil, apperrors.ErrInvalidUser
	}
	return nil, apperrors.ErrInsufficientFunds.WithDetails("debit of %s not covered", adj.Balance.Abs())
}

func (r *userRepository) SetVIPLevelIfHigher(ctx context.Context, id primitive.ObjectID, level int) (bool, error) {
	if level > models.MaxVIPLevel {
		level = models.MaxVIPLevel
	}

	filter := bson.M{"_id": id, "vip_level": bson.M{"$lt": level}}
	update := bson.M{"$set": bson.M{"vip_level": level, "updated_at": time.Now()}}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to update vip level: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

func (r *userRepository) IncrementQualifiedReferrals(ctx context.Context, id primitive.ObjectID) (*models.UserAccount, error) {
	update := bson.M{
		"$inc": bson.M{"qualified_referrals": 1},
		"$set": bson.M{"updated_at": time.Now()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var user models.UserAccount
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&user)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, apperrors.ErrInvalidUser
		}
		return nil, fmt.Errorf("failed to increment referrals: %w", err)
	}
	return &user, nil
}

// ClaimFirstDeposit records orderID as the user's first deposit unless another
// order holds the claim. Claiming again with the same order succeeds.
func (r *userRepository) ClaimFirstDeposit(ctx context.Context, id, orderID primitive.ObjectID) (bool, error) {
	filter := bson.M{
		"_id":                    id,
		"first_deposit_order_id": bson.M{"$in": bson.A{nil, orderID}},
	}
	update := bson.M{"$set": bson.M{"first_deposit_order_id": orderID, "updated_at": time.Now()}}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to claim first deposit: %w", err)
	}
	return result.MatchedCount > 0, nil
}

func (r *userRepository) UnlockChestTiers(ctx context.Context, id primitive.ObjectID, tiers []int) error {
	if len(tiers) == 0 {
		return nil
	}

	update := bson.M{
		"$addToSet": bson.M{"unlocked_chest_tiers": bson.M{"$each": tiers}},
		"$set":      bson.M{"updated_at": time.Now()},
	}
	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("failed to unlock chest tiers: %w", err)
	}
	return nil
}

// RaiseTotals lifts the cumulative counters to at least the given values. It
// never lowers them.
func (r *userRepository) RaiseTotals(ctx context.Context, id primitive.ObjectID, deposits, withdrawals, bets money.Amount) (*models.UserAccount, error) {
	update := bson.M{
		"$max": bson.M{
			"total_deposits":    int64(deposits),
			"total_withdrawals": int64(withdrawals),
			"total_bets":        int64(bets),
		},
		"$set": bson.M{"updated_at": time.Now()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var user models.UserAccount
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&user)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, apperrors.ErrInvalidUser
		}
		return nil, fmt.Errorf("failed to raise totals: %w", err)
	}
	return &user, nil
}

func (r *userRepository) ListActiveIDs(ctx context.Context, after primitive.ObjectID, limit int) ([]primitive.ObjectID, error) {
	filter := bson.M{"active": true}
	if !after.IsZero() {
		filter["_id"] = bson.M{"$gt": after}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []primitive.ObjectID
	for cursor.Next(ctx) {
		var doc struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode user id: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

func (r *userRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_code", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "active", Value: 1}, {Key: "_id", Value: 1}},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}
