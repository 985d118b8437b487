package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ledger-api/internal/models"
	"ledger-api/internal/money"
	apperrors "ledger-api/pkg/errors"
)

func newTestMongo(t *testing.T) *mongo.Database {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	db := client.Database("ledger_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return db
}

func TestUserRepository_AdjustBalance(t *testing.T) {
	db := newTestMongo(t)
	repo := NewUserRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.CreateIndexes(ctx))

	user := models.NewUserAccount("player-1")
	require.NoError(t, repo.Create(ctx, user))

	updated, err := repo.AdjustBalance(ctx, user.ID, models.BalanceAdjustment{
		Balance:  money.FromFloat(120),
		Bonus:    money.FromFloat(20),
		Deposits: money.FromFloat(100),
	})
	require.NoError(t, err)
	assert.Equal(t, money.FromFloat(120), updated.Balance)
	assert.Equal(t, money.FromFloat(20), updated.BonusBalance)
	assert.Equal(t, money.FromFloat(100), updated.TotalDeposits)

	// Withdrawable is 100.00, so 110.00 must be rejected.
	_, err = repo.AdjustBalance(ctx, user.ID, models.BalanceAdjustment{
		Balance:             money.FromFloat(-110),
		RequireWithdrawable: true,
	})
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientFunds))

	updated, err = repo.AdjustBalance(ctx, user.ID, models.BalanceAdjustment{
		Balance: money.FromFloat(-110),
		Bets:    money.FromFloat(110),
	})
	require.NoError(t, err)
	assert.Equal(t, money.FromFloat(10), updated.Balance)
	assert.Equal(t, money.FromFloat(10), updated.BonusBalance)
	assert.Equal(t, money.FromFloat(110), updated.TotalBets)

	_, err = repo.AdjustBalance(ctx, user.ID, models.BalanceAdjustment{Balance: money.FromFloat(-10.01)})
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientFunds))

	_, err = repo.AdjustBalance(ctx, primitive.NewObjectID(), models.BalanceAdjustment{Balance: 1})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidUser))
}

func TestUserRepository_MonotonicSetters(t *testing.T) {
	db := newTestMongo(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	user := models.NewUserAccount("player-2")
	require.NoError(t, repo.Create(ctx, user))

	raised, err := repo.SetVIPLevelIfHigher(ctx, user.ID, 3)
	require.NoError(t, err)
	assert.True(t, raised)

	raised, err = repo.SetVIPLevelIfHigher(ctx, user.ID, 2)
	require.NoError(t, err)
	assert.False(t, raised)

	require.NoError(t, repo.UnlockChestTiers(ctx, user.ID, []int{1, 2}))
	require.NoError(t, repo.UnlockChestTiers(ctx, user.ID, []int{1}))

	got, err := repo.RaiseTotals(ctx, user.ID, money.FromFloat(50), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, got.VIPLevel)
	assert.ElementsMatch(t, []int{1, 2}, got.UnlockedChestTiers)
	assert.Equal(t, money.FromFloat(50), got.TotalDeposits)

	got, err = repo.RaiseTotals(ctx, user.ID, money.FromFloat(10), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, money.FromFloat(50), got.TotalDeposits)
}

func TestGameTransactionRepository_UniqueTxnID(t *testing.T) {
	db := newTestMongo(t)
	repo := NewGameTransactionRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.CreateIndexes(ctx))

	userID := primitive.NewObjectID()
	entry := &models.GameTransaction{TxnID: "round-1", UserID: userID, Delta: -500, Bet: 500, Live: true}
	require.NoError(t, repo.Insert(ctx, entry))

	dup := &models.GameTransaction{TxnID: "round-1", UserID: userID, Delta: -500, Bet: 500, Live: true}
	assert.True(t, errors.Is(repo.Insert(ctx, dup), apperrors.ErrDuplicate))

	missing, err := repo.GetByTxnID(ctx, "round-2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	bets, err := repo.SumLiveBets(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(500), bets)
}

func TestPaymentOrderRepository_TransitionCAS(t *testing.T) {
	db := newTestMongo(t)
	repo := NewPaymentOrderRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.CreateIndexes(ctx))

	order := models.NewDepositOrder(primitive.NewObjectID(), money.FromFloat(100), time.Hour)
	require.NoError(t, repo.Create(ctx, order))
	require.NoError(t, repo.AttachGatewayID(ctx, order.ID, "gw-1", "qr"))

	now := time.Now()
	change := models.StatusChange{From: models.OrderStatusPending, To: models.OrderStatusPaid, Source: models.SourceWebhook, At: now}
	updated, err := repo.Transition(ctx, order.ID, models.OrderStatusPending, models.OrderStatusPaid, models.OrderUpdate{Change: change, PaidAt: &now})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, updated.Status)
	assert.Len(t, updated.StatusHistory, 1)

	_, err = repo.Transition(ctx, order.ID, models.OrderStatusPending, models.OrderStatusPaid, models.OrderUpdate{Change: change})
	assert.True(t, errors.Is(err, ErrStatusChanged))

	found, err := repo.GetByGatewayID(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)

	_, err = repo.GetByGatewayID(ctx, "gw-unknown")
	assert.True(t, errors.Is(err, apperrors.ErrOrderNotFound))

	sum, err := repo.SumPaid(ctx, order.UserID, models.OrderTypeDeposit)
	require.NoError(t, err)
	assert.Equal(t, money.FromFloat(100), sum)
}

func TestUserRepository_ClaimFirstDeposit(t *testing.T) {
	db := newTestMongo(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	user := models.NewUserAccount("player-3")
	require.NoError(t, repo.Create(ctx, user))

	first, second := primitive.NewObjectID(), primitive.NewObjectID()

	claimed, err := repo.ClaimFirstDeposit(ctx, user.ID, first)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimFirstDeposit(ctx, user.ID, second)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = repo.ClaimFirstDeposit(ctx, user.ID, first)
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FirstDepositOrderID)
	assert.Equal(t, first, *got.FirstDepositOrderID)
}

func TestPaymentOrderRepository_StrandedWithdrawals(t *testing.T) {
	db := newTestMongo(t)
	repo := NewPaymentOrderRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.CreateIndexes(ctx))

	userID := primitive.NewObjectID()
	stranded := models.NewWithdrawOrder(userID, money.FromFloat(30), "user@example.com", "email")
	attached := models.NewWithdrawOrder(userID, money.FromFloat(40), "user@example.com", "email")
	require.NoError(t, repo.Create(ctx, stranded))
	require.NoError(t, repo.Create(ctx, attached))
	require.NoError(t, repo.AttachGatewayID(ctx, attached.ID, "gw-out-1", ""))

	found, err := repo.GetByExternalID(ctx, stranded.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, stranded.ID, found.ID)

	_, err = repo.GetByExternalID(ctx, "ext-unknown")
	assert.True(t, errors.Is(err, apperrors.ErrOrderNotFound))

	orders, err := repo.ListStrandedWithdrawals(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, stranded.ID, orders[0].ID)

	none, err := repo.ListStrandedWithdrawals(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, repo.Flag(ctx, stranded.ID, "withdrawal has no gateway id"))
	orders, err = repo.ListStrandedWithdrawals(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, orders)

	flagged, err := repo.GetByID(ctx, stranded.ID)
	require.NoError(t, err)
	assert.NotNil(t, flagged.FlaggedAt)
	assert.Equal(t, "withdrawal has no gateway id", flagged.FlagReason)
}
