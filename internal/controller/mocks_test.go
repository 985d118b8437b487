package controller

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/engine"
	"ledger-api/internal/middleware"
	"ledger-api/internal/models"
	"ledger-api/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockSeamlessEngine struct {
	mock.Mock
}

func (m *MockSeamlessEngine) Handle(ctx context.Context, event *engine.SeamlessEvent) (*engine.SeamlessResult, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.SeamlessResult), args.Error(1)
}

type MockWebhookService struct {
	mock.Mock
}

func (m *MockWebhookService) ProcessDeposit(ctx context.Context, payload map[string]interface{}) *models.WebhookLog {
	args := m.Called(ctx, payload)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*models.WebhookLog)
}

func (m *MockWebhookService) ProcessWithdrawal(ctx context.Context, payload map[string]interface{}) *models.WebhookLog {
	args := m.Called(ctx, payload)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*models.WebhookLog)
}

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) CreateDeposit(ctx context.Context, req *service.CreateDepositRequest) (*service.CreateDepositResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CreateDepositResponse), args.Error(1)
}

func (m *MockPaymentService) RequestWithdrawal(ctx context.Context, req *service.WithdrawalRequest) (*service.WithdrawalResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.WithdrawalResponse), args.Error(1)
}

func (m *MockPaymentService) GetBalance(ctx context.Context, userID primitive.ObjectID) (*service.BalanceResponse, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.BalanceResponse), args.Error(1)
}

type MockAdminService struct {
	mock.Mock
}

func (m *MockAdminService) OverrideStatus(ctx context.Context, req *service.OverrideStatusRequest) (*engine.SettlementResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.SettlementResult), args.Error(1)
}

func (m *MockAdminService) ReconcileUser(ctx context.Context, adminID string, userID primitive.ObjectID) (*engine.ReconciliationResult, error) {
	args := m.Called(ctx, adminID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.ReconciliationResult), args.Error(1)
}

func (m *MockAdminService) ReconcileAll(ctx context.Context, adminID string, batchSize int) (*engine.BatchReconciliationResult, error) {
	args := m.Called(ctx, adminID, batchSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.BatchReconciliationResult), args.Error(1)
}

func (m *MockAdminService) GetRewardSettings(ctx context.Context) (*models.RewardSettings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RewardSettings), args.Error(1)
}

func (m *MockAdminService) UpdateRewardSettings(ctx context.Context, adminID string, settings *models.RewardSettings) (*models.RewardSettings, error) {
	args := m.Called(ctx, adminID, settings)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RewardSettings), args.Error(1)
}

type MockAuditService struct {
	mock.Mock
}

func (m *MockAuditService) RecordWebhook(ctx context.Context, entry *models.WebhookLog) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockAuditService) RecordAdminAction(ctx context.Context, action *service.AdminAction) {
	m.Called(ctx, action)
}

func (m *MockAuditService) GetWebhookTrail(ctx context.Context, transactionID string, limit int) ([]*models.WebhookLog, error) {
	args := m.Called(ctx, transactionID, limit)
	return args.Get(0).([]*models.WebhookLog), args.Error(1)
}

// asUser stands in for JWTAuth in controller tests.
func asUser(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Set(middleware.ContextRole, role)
		c.Next()
	}
}
