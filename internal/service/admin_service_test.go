package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/engine"
	"ledger-api/internal/models"
	"ledger-api/internal/money"
	apperrors "ledger-api/pkg/errors"
)

func TestAdminService_OverrideStatus(t *testing.T) {
	orderID := primitive.NewObjectID()
	fee := money.FromFloat(2)

	tests := []struct {
		name        string
		request     *OverrideStatusRequest
		setupMocks  func(s *MockSettlementEngine, a *MockAuditService)
		expectError error
	}{
		{
			name:    "reversal goes through settlement as admin",
			request: &OverrideStatusRequest{OrderID: orderID, AdminID: "admin-1", Status: models.OrderStatusFailed, Reason: "chargeback"},
			setupMocks: func(s *MockSettlementEngine, a *MockAuditService) {
				s.On("ApplyStatus", mock.Anything, &engine.StatusChange{
					OrderID: orderID,
					Status:  models.OrderStatusFailed,
					Source:  models.SourceAdmin,
					Reason:  "chargeback",
				}).Return(&engine.SettlementResult{Previous: models.OrderStatusPaid, Outcome: engine.OutcomeApplied}, nil)
				a.On("RecordAdminAction", mock.Anything, mock.MatchedBy(func(action *AdminAction) bool {
					return action.Success && action.Action == "override_status" && action.Details["previous"] == "paid"
				})).Return()
			},
		},
		{
			name:    "fee is forwarded",
			request: &OverrideStatusRequest{OrderID: orderID, AdminID: "admin-1", Status: models.OrderStatusPaid, Fee: &fee},
			setupMocks: func(s *MockSettlementEngine, a *MockAuditService) {
				s.On("ApplyStatus", mock.Anything, mock.MatchedBy(func(c *engine.StatusChange) bool {
					return c.Fee != nil && *c.Fee == fee && c.Reason == "admin override by admin-1"
				})).Return(&engine.SettlementResult{Outcome: engine.OutcomeApplied}, nil)
				a.On("RecordAdminAction", mock.Anything, mock.Anything).Return()
			},
		},
		{
			name:    "failed override is audited",
			request: &OverrideStatusRequest{OrderID: orderID, AdminID: "admin-1", Status: models.OrderStatusFailed},
			setupMocks: func(s *MockSettlementEngine, a *MockAuditService) {
				s.On("ApplyStatus", mock.Anything, mock.Anything).Return(nil, apperrors.ErrInsufficientFunds)
				a.On("RecordAdminAction", mock.Anything, mock.MatchedBy(func(action *AdminAction) bool {
					return !action.Success && action.Details["error"] != nil
				})).Return()
			},
			expectError: apperrors.ErrInsufficientFunds,
		},
		{
			name:        "status is required",
			request:     &OverrideStatusRequest{OrderID: orderID, AdminID: "admin-1"},
			setupMocks:  func(s *MockSettlementEngine, a *MockAuditService) {},
			expectError: apperrors.ErrInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settlement := &MockSettlementEngine{}
			audit := &MockAuditService{}
			tt.setupMocks(settlement, audit)

			service := NewAdminService(settlement, &MockReconciliationEngine{}, &MockSettingsRepository{}, audit)
			result, err := service.OverrideStatus(context.Background(), tt.request)

			if tt.expectError != nil {
				assert.True(t, errors.Is(err, tt.expectError), "got %v", err)
				assert.Nil(t, result)
			} else {
				require.NoError(t, err)
				assert.Equal(t, engine.OutcomeApplied, result.Outcome)
			}
			settlement.AssertExpectations(t)
			audit.AssertExpectations(t)
		})
	}
}

func TestAdminService_Reconcile(t *testing.T) {
	userID := primitive.NewObjectID()
	reconciliation := &MockReconciliationEngine{}
	audit := &MockAuditService{}

	reconciliation.On("ReconcileUser", mock.Anything, userID).
		Return(&engine.ReconciliationResult{UserID: userID, Status: engine.ReconcileSuccess}, nil)
	reconciliation.On("ReconcileAll", mock.Anything, 50).
		Return(&engine.BatchReconciliationResult{TotalUsers: 3, DiscrepanciesFound: 1}, nil)
	audit.On("RecordAdminAction", mock.Anything, mock.Anything).Return().Twice()

	service := NewAdminService(&MockSettlementEngine{}, reconciliation, &MockSettingsRepository{}, audit)

	single, err := service.ReconcileUser(context.Background(), "admin-1", userID)
	require.NoError(t, err)
	assert.Equal(t, engine.ReconcileSuccess, single.Status)

	batch, err := service.ReconcileAll(context.Background(), "admin-1", 50)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.TotalUsers)

	reconciliation.AssertExpectations(t)
	audit.AssertExpectations(t)
}

func TestAdminService_UpdateRewardSettings(t *testing.T) {
	t.Run("valid settings are saved", func(t *testing.T) {
		settings := &MockSettingsRepository{}
		audit := &MockAuditService{}
		settings.On("SaveRewards", mock.Anything, mock.MatchedBy(func(s *models.RewardSettings) bool {
			return s.ID == models.RewardSettingsID && !s.UpdatedAt.IsZero()
		})).Return(nil)
		audit.On("RecordAdminAction", mock.Anything, mock.Anything).Return()

		service := NewAdminService(&MockSettlementEngine{}, &MockReconciliationEngine{}, settings, audit)
		input := models.DefaultRewardSettings()
		input.ID = ""
		input.FirstDepositPercent = 50

		saved, err := service.UpdateRewardSettings(context.Background(), "admin-1", input)
		require.NoError(t, err)
		assert.Equal(t, 50.0, saved.FirstDepositPercent)
		settings.AssertExpectations(t)
	})

	t.Run("invalid settings are rejected", func(t *testing.T) {
		settings := &MockSettingsRepository{}
		service := NewAdminService(&MockSettlementEngine{}, &MockReconciliationEngine{}, settings, &MockAuditService{})

		input := models.DefaultRewardSettings()
		input.FirstDepositPercent = -5

		_, err := service.UpdateRewardSettings(context.Background(), "admin-1", input)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidParameter))
		settings.AssertNotCalled(t, "SaveRewards", mock.Anything, mock.Anything)
	})
}
