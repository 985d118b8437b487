package repository

import (
	"context"
	"errors"
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

// ErrStatusChanged is returned by Transition when the order no longer has the
// expected prior status.
var ErrStatusChanged = errors.New("order status changed concurrently")

type PaymentOrderRepository interface {
	Create(ctx context.Context, order *models.PaymentOrder) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.PaymentOrder, error)
	GetByGatewayID(ctx context.Context, gatewayID string) (*models.PaymentOrder, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.PaymentOrder, error)
	AttachGatewayID(ctx context.Context, id primitive.ObjectID, gatewayID, qrCode string) error
	Transition(ctx context.Context, id primitive.ObjectID, from, to models.OrderStatus, upd models.OrderUpdate) (*models.PaymentOrder, error)
	CountPaidDeposits(ctx context.Context, userID, excludeID primitive.ObjectID) (int64, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.PaymentOrder, error)
	ListStrandedWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]*models.PaymentOrder, error)
	Flag(ctx context.Context, id primitive.ObjectID, reason string) error
	SumPaid(ctx context.Context, userID primitive.ObjectID, orderType models.OrderType) (money.Amount, error)
	CreateIndexes(ctx context.Context) error
}

type paymentOrderRepository struct {
	collection *mongo.Collection
}

func NewPaymentOrderRepository(db *mongo.Database) PaymentOrderRepository {
	return &paymentOrderRepository{
		collection: db.Collection("payment_orders"),
	}
}

func (r *paymentOrderRepository) Create(ctx context.Context, order *models.PaymentOrder) error {
	if err := order.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidParameter, err)
	}

	result, err := r.collection.InsertOne(ctx, order)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("order %s: %w", order.ExternalID, apperrors.ErrDuplicate)
		}
		return fmt.Errorf("failed to create payment order: %w", err)
	}

	order.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *paymentOrderRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.PaymentOrder, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *paymentOrderRepository) GetByGatewayID(ctx context.Context, gatewayID string) (*models.PaymentOrder, error) {
	if gatewayID == "" {
		return nil, apperrors.ErrInvalidParameter.WithDetails("gateway transaction id is required")
	}
	return r.findOne(ctx, bson.M{"id_transaction": gatewayID})
}

func (r *paymentOrderRepository) GetByExternalID(ctx context.Context, externalID string) (*models.PaymentOrder, error) {
	if externalID == "" {
		return nil, apperrors.ErrInvalidParameter.WithDetails("external id is required")
	}
	return r.findOne(ctx, bson.M{"external_id": externalID})
}

func (r *paymentOrderRepository) findOne(ctx context.Context, filter bson.M) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	err := r.collection.FindOne(ctx, filter).Decode(&order)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, apperrors.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get payment order: %w", err)
	}
	return &order, nil
}

func (r *paymentOrderRepository) AttachGatewayID(ctx context.Context, id primitive.ObjectID, gatewayID, qrCode string) error {
	set := bson.M{"id_transaction": gatewayID, "updated_at": time.Now()}
	if qrCode != "" {
		set["qr_code"] = qrCode
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("gateway id %s: %w", gatewayID, apperrors.ErrDuplicate)
		}
		return fmt.Errorf("failed to attach gateway id: %w", err)
	}
	if result.MatchedCount == 0 {
		return apperrors.ErrOrderNotFound
	}
	return nil
}

// Transition moves the order from one status to another only if it still
// holds the expected prior status.
func (r *paymentOrderRepository) Transition(ctx context.Context, id primitive.ObjectID, from, to models.OrderStatus, upd models.OrderUpdate) (*models.PaymentOrder, error) {
	set := bson.M{"status": to, "updated_at": time.Now()}
	if upd.Fee != nil {
		set["fee"] = *upd.Fee
	}
	if upd.NetAmount != nil {
		set["net_amount"] = *upd.NetAmount
	}
	if upd.Bonus != nil {
		set["bonus_amount"] = *upd.Bonus
	}
	if upd.First != nil {
		set["first_deposit"] = *upd.First
	}
	if upd.PaidAt != nil {
		set["paid_at"] = *upd.PaidAt
	}
	if upd.FailedAt != nil {
		set["failed_at"] = *upd.FailedAt
	}

	update := bson.M{
		"$set":  set,
		"$push": bson.M{"status_history": upd.Change},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var order models.PaymentOrder
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": from}, update, opts).Decode(&order)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrStatusChanged
		}
		return nil, fmt.Errorf("failed to transition order: %w", err)
	}
	return &order, nil
}

func (r *paymentOrderRepository) CountPaidDeposits(ctx context.Context, userID, excludeID primitive.ObjectID) (int64, error) {
	filter := bson.M{
		"user_id": userID,
		"type":    models.OrderTypeDeposit,
		"status":  models.OrderStatusPaid,
	}
	if !excludeID.IsZero() {
		filter["_id"] = bson.M{"$ne": excludeID}
	}

	count, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count paid deposits: %w", err)
	}
	return count, nil
}

func (r *paymentOrderRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.PaymentOrder, error) {
	filter := bson.M{
		"type":       models.OrderTypeDeposit,
		"status":     models.OrderStatusPending,
		"expires_at": bson.M{"$lte": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}}).SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired orders: %w", err)
	}
	defer cursor.Close(ctx)

	var orders []*models.PaymentOrder
	if err := cursor.All(ctx, &orders); err != nil {
		return nil, fmt.Errorf("failed to decode expired orders: %w", err)
	}
	return orders, nil
}

// ListStrandedWithdrawals finds pending withdrawals created before
// createdBefore that never received a gateway id and are not flagged yet.
func (r *paymentOrderRepository) ListStrandedWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]*models.PaymentOrder, error) {
	filter := bson.M{
		"type":           models.OrderTypeWithdraw,
		"status":         models.OrderStatusPending,
		"id_transaction": bson.M{"$in": bson.A{nil, ""}},
		"flagged_at":     bson.M{"$exists": false},
		"created_at":     bson.M{"$lte": createdBefore},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list stranded withdrawals: %w", err)
	}
	defer cursor.Close(ctx)

	var orders []*models.PaymentOrder
	if err := cursor.All(ctx, &orders); err != nil {
		return nil, fmt.Errorf("failed to decode stranded withdrawals: %w", err)
	}
	return orders, nil
}

func (r *paymentOrderRepository) Flag(ctx context.Context, id primitive.ObjectID, reason string) error {
	now := time.Now()
	update := bson.M{"$set": bson.M{"flagged_at": now, "flag_reason": reason, "updated_at": now}}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to flag payment order: %w", err)
	}
	if result.MatchedCount == 0 {
		return apperrors.ErrOrderNotFound
	}
	return nil
}

// SumPaid totals paid orders of a type: gross amount for deposits, net amount
// for withdrawals.
func (r *paymentOrderRepository) SumPaid(ctx context.Context, userID primitive.ObjectID, orderType models.OrderType) (money.Amount, error) {
	field := "$amount"
	if orderType == models.OrderTypeWithdraw {
		field = "$net_amount"
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"user_id": userID,
			"type":    orderType,
			"status":  models.OrderStatusPaid,
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": field},
		}}},
	}

	return sumAggregate(ctx, r.collection, pipeline, false)
}

func (r *paymentOrderRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id_transaction", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "external_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "type", Value: 1}, {Key: "status", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create payment order indexes: %w", err)
	}
	return nil
}
