package service

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/engine"
	"ledger-api/internal/models"
	"ledger-api/internal/money"
	"ledger-api/internal/repository"
	apperrors "ledger-api/pkg/errors"
)

type AdminService interface {
	OverrideStatus(ctx context.Context, req *OverrideStatusRequest) (*engine.SettlementResult, error)
	ReconcileUser(ctx context.Context, adminID string, userID primitive.ObjectID) (*engine.ReconciliationResult, error)
	ReconcileAll(ctx context.Context, adminID string, batchSize int) (*engine.BatchReconciliationResult, error)
	GetRewardSettings(ctx context.Context) (*models.RewardSettings, error)
	UpdateRewardSettings(ctx context.Context, adminID string, settings *models.RewardSettings) (*models.RewardSettings, error)
}

type adminService struct {
	settlement     engine.SettlementEngine
	reconciliation engine.ReconciliationEngine
	settings       repository.SettingsRepository
	audit          AuditService
}

func NewAdminService(
	settlement engine.SettlementEngine,
	reconciliation engine.ReconciliationEngine,
	settings repository.SettingsRepository,
	audit AuditService,
) AdminService {
	return &adminService{
		settlement:     settlement,
		reconciliation: reconciliation,
		settings:       settings,
		audit:          audit,
	}
}

type OverrideStatusRequest struct {
	OrderID primitive.ObjectID `json:"-"`
	AdminID string             `json:"-"`
	Status  models.OrderStatus `json:"status" validate:"required"`
	Fee     *money.Amount      `json:"fee,omitempty"`
	Reason  string             `json:"reason,omitempty" validate:"max=500"`
}

// OverrideStatus runs an admin status change through the settlement engine,
// so reversals and re-opens move money exactly like webhook transitions.
func (s *adminService) OverrideStatus(ctx context.Context, req *OverrideStatusRequest) (*engine.SettlementResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperrors.ErrInvalidParameter.WithDetails("%v", err)
	}

	reason := req.Reason
	if reason == "" {
		reason = "admin override by " + req.AdminID
	}

	result, err := s.settlement.ApplyStatus(ctx, &engine.StatusChange{
		OrderID: req.OrderID,
		Status:  req.Status,
		Fee:     req.Fee,
		Source:  models.SourceAdmin,
		Reason:  reason,
	})

	details := map[string]interface{}{
		"order_id": req.OrderID.Hex(),
		"status":   string(req.Status),
		"reason":   reason,
	}
	if err != nil {
		details["error"] = err.Error()
	} else {
		details["previous"] = string(result.Previous)
		details["outcome"] = result.Outcome
	}
	s.audit.RecordAdminAction(ctx, &AdminAction{
		AdminID:  req.AdminID,
		Action:   "override_status",
		Resource: "payment_order",
		Success:  err == nil,
		Details:  details,
	})

	return result, err
}

func (s *adminService) ReconcileUser(ctx context.Context, adminID string, userID primitive.ObjectID) (*engine.ReconciliationResult, error) {
	result, err := s.reconciliation.ReconcileUser(ctx, userID)
	s.audit.RecordAdminAction(ctx, &AdminAction{
		AdminID:  adminID,
		Action:   "reconcile_user",
		Resource: "user",
		Success:  err == nil,
		Details:  map[string]interface{}{"user_id": userID.Hex()},
	})
	return result, err
}

func (s *adminService) ReconcileAll(ctx context.Context, adminID string, batchSize int) (*engine.BatchReconciliationResult, error) {
	result, err := s.reconciliation.ReconcileAll(ctx, batchSize)
	details := map[string]interface{}{"batch_size": batchSize}
	if result != nil {
		details["total_users"] = result.TotalUsers
		details["discrepancies_found"] = result.DiscrepanciesFound
	}
	s.audit.RecordAdminAction(ctx, &AdminAction{
		AdminID:  adminID,
		Action:   "reconcile_all",
		Resource: "user",
		Success:  err == nil,
		Details:  details,
	})
	return result, err
}

func (s *adminService) GetRewardSettings(ctx context.Context) (*models.RewardSettings, error) {
	return s.settings.GetRewards(ctx)
}

func (s *adminService) UpdateRewardSettings(ctx context.Context, adminID string, settings *models.RewardSettings) (*models.RewardSettings, error) {
	if err := settings.Validate(); err != nil {
		return nil, apperrors.ErrInvalidParameter.WithDetails("%v", err)
	}

	settings.ID = models.RewardSettingsID
	settings.UpdatedAt = time.Now()
	if err := s.settings.SaveRewards(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to save reward settings: %w", err)
	}

	s.audit.RecordAdminAction(ctx, &AdminAction{
		AdminID:  adminID,
		Action:   "update_reward_settings",
		Resource: "settings",
		Success:  true,
		Details: map[string]interface{}{
			"first_deposit_percent": settings.FirstDepositPercent,
			"deposit_tiers":         len(settings.DepositTiers),
			"vip_tiers":             len(settings.VIPTiers),
			"chest_tiers":           len(settings.ChestTiers),
		},
	})
	return settings, nil
}
