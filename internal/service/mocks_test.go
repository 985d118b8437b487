package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/engine"
	"ledger-api/internal/external"
	"ledger-api/internal/models"
	"ledger-api/internal/money"
)

// Mock repositories for testing
type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.UserAccount) error {
	return m.Called(ctx, user).Error(0)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.UserAccount, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserAccount), args.Error(1)
}

func (m *MockUserRepository) GetByCode(ctx context.Context, userCode string) (*models.UserAccount, error) {
	args := m.Called(ctx, userCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserAccount), args.Error(1)
}

func (m *MockUserRepository) AdjustBalance(ctx context.Context, id primitive.ObjectID, adj models.BalanceAdjustment) (*models.UserAccount, error) {
	args := m.Called(ctx, id, adj)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserAccount), args.Error(1)
}

func (m *MockUserRepository) SetVIPLevelIfHigher(ctx context.Context, id primitive.ObjectID, level int) (bool, error) {
	args := m.Called(ctx, id, level)
	return args.Bool(0), args.Error(1)
}

func (m *MockUserRepository) IncrementQualifiedReferrals(ctx context.Context, id primitive.ObjectID) (*models.UserAccount, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserAccount), args.Error(1)
}

func (m *MockUserRepository) ClaimFirstDeposit(ctx context.Context, id, orderID primitive.ObjectID) (bool, error) {
	args := m.Called(ctx, id, orderID)
	return args.Bool(0), args.Error(1)
}

func (m *MockUserRepository) UnlockChestTiers(ctx context.Context, id primitive.ObjectID, tiers []int) error {
	return m.Called(ctx, id, tiers).Error(0)
}

func (m *MockUserRepository) RaiseTotals(ctx context.Context, id primitive.ObjectID, deposits, withdrawals, bets money.Amount) (*models.UserAccount, error) {
	args := m.Called(ctx, id, deposits, withdrawals, bets)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserAccount), args.Error(1)
}

func (m *MockUserRepository) ListActiveIDs(ctx context.Context, after primitive.ObjectID, limit int) ([]primitive.ObjectID, error) {
	args := m.Called(ctx, after, limit)
	return args.Get(0).([]primitive.ObjectID), args.Error(1)
}

func (m *MockUserRepository) CreateIndexes(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockPaymentOrderRepository struct {
	mock.Mock
}

func (m *MockPaymentOrderRepository) Create(ctx context.Context, order *models.PaymentOrder) error {
	args := m.Called(ctx, order)
	if args.Error(0) == nil && order.ID.IsZero() {
		order.ID = primitive.NewObjectID()
	}
	return args.Error(0)
}

func (m *MockPaymentOrderRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.PaymentOrder, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentOrder), args.Error(1)
}

func (m *MockPaymentOrderRepository) GetByGatewayID(ctx context.Context, gatewayID string) (*models.PaymentOrder, error) {
	args := m.Called(ctx, gatewayID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentOrder), args.Error(1)
}

func (m *MockPaymentOrderRepository) GetByExternalID(ctx context.Context, externalID string) (*models.PaymentOrder, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentOrder), args.Error(1)
}

func (m *MockPaymentOrderRepository) AttachGatewayID(ctx context.Context, id primitive.ObjectID, gatewayID, qrCode string) error {
	return m.Called(ctx, id, gatewayID, qrCode).Error(0)
}

func (m *MockPaymentOrderRepository) Transition(ctx context.Context, id primitive.ObjectID, from, to models.OrderStatus, upd models.OrderUpdate) (*models.PaymentOrder, error) {
	args := m.Called(ctx, id, from, to, upd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentOrder), args.Error(1)
}

func (m *MockPaymentOrderRepository) CountPaidDeposits(ctx context.Context, userID, excludeID primitive.ObjectID) (int64, error) {
	args := m.Called(ctx, userID, excludeID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPaymentOrderRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.PaymentOrder, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]*models.PaymentOrder), args.Error(1)
}

func (m *MockPaymentOrderRepository) ListStrandedWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]*models.PaymentOrder, error) {
	args := m.Called(ctx, createdBefore, limit)
	return args.Get(0).([]*models.PaymentOrder), args.Error(1)
}

func (m *MockPaymentOrderRepository) Flag(ctx context.Context, id primitive.ObjectID, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

func (m *MockPaymentOrderRepository) SumPaid(ctx context.Context, userID primitive.ObjectID, orderType models.OrderType) (money.Amount, error) {
	args := m.Called(ctx, userID, orderType)
	return args.Get(0).(money.Amount), args.Error(1)
}

func (m *MockPaymentOrderRepository) CreateIndexes(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockSettingsRepository struct {
	mock.Mock
}

func (m *MockSettingsRepository) GetRewards(ctx context.Context) (*models.RewardSettings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RewardSettings), args.Error(1)
}

func (m *MockSettingsRepository) SaveRewards(ctx context.Context, settings *models.RewardSettings) error {
	return m.Called(ctx, settings).Error(0)
}

type MockAuditRepository struct {
	mock.Mock
}

func (m *MockAuditRepository) Insert(ctx context.Context, entry *models.WebhookLog) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockAuditRepository) ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*models.WebhookLog, error) {
	args := m.Called(ctx, transactionID, limit)
	return args.Get(0).([]*models.WebhookLog), args.Error(1)
}

func (m *MockAuditRepository) CreateIndexes(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockDeliveryDeduper struct {
	mock.Mock
}

func (m *MockDeliveryDeduper) FirstDelivery(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeliveryDeduper) Forget(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

// Mock engines and external services
type MockSettlementEngine struct {
	mock.Mock
}

func (m *MockSettlementEngine) ApplyStatus(ctx context.Context, change *engine.StatusChange) (*engine.SettlementResult, error) {
	args := m.Called(ctx, change)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.SettlementResult), args.Error(1)
}

type MockReconciliationEngine struct {
	mock.Mock
}

func (m *MockReconciliationEngine) ReconcileUser(ctx context.Context, userID primitive.ObjectID) (*engine.ReconciliationResult, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.ReconciliationResult), args.Error(1)
}

func (m *MockReconciliationEngine) ReconcileAll(ctx context.Context, batchSize int) (*engine.BatchReconciliationResult, error) {
	args := m.Called(ctx, batchSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.BatchReconciliationResult), args.Error(1)
}

type MockPixGateway struct {
	mock.Mock
}

func (m *MockPixGateway) CreateCashIn(ctx context.Context, req *external.CashInRequest) (*external.CashInResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*external.CashInResponse), args.Error(1)
}

func (m *MockPixGateway) CreateCashOut(ctx context.Context, req *external.CashOutRequest) (*external.CashOutResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*external.CashOutResponse), args.Error(1)
}

type MockAuditService struct {
	mock.Mock
}

func (m *MockAuditService) RecordWebhook(ctx context.Context, entry *models.WebhookLog) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockAuditService) RecordAdminAction(ctx context.Context, action *AdminAction) {
	m.Called(ctx, action)
}

func (m *MockAuditService) GetWebhookTrail(ctx context.Context, transactionID string, limit int) ([]*models.WebhookLog, error) {
	args := m.Called(ctx, transactionID, limit)
	return args.Get(0).([]*models.WebhookLog), args.Error(1)
}

// passthroughTx runs fn without a session; rollback is covered by the engine
// tests.
type passthroughTx struct{}

func (passthroughTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
