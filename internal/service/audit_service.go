package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ledger-api/internal/models"
	"ledger-api/internal/repository"
)

// AuditService is the append-only sink for webhook deliveries and admin
// actions. Records go both to MongoDB and to the audit log file.
type AuditService interface {
	RecordWebhook(ctx context.Context, entry *models.WebhookLog) error
	RecordAdminAction(ctx context.Context, action *AdminAction)
	GetWebhookTrail(ctx context.Context, transactionID string, limit int) ([]*models.WebhookLog, error)
}

type auditService struct {
	auditRepo   repository.AuditRepository
	auditLogger *logrus.Logger
}

func NewAuditService(auditRepo repository.AuditRepository, auditLogger *logrus.Logger) AuditService {
	if auditLogger == nil {
		auditLogger = logrus.StandardLogger()
	}
	return &auditService{
		auditRepo:   auditRepo,
		auditLogger: auditLogger,
	}
}

type AdminAction struct {
	AdminID  string                 `json:"admin_id"`
	Action   string                 `json:"action"`
	Resource string                 `json:"resource"`
	Success  bool                   `json:"success"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

func (s *auditService) RecordWebhook(ctx context.Context, entry *models.WebhookLog) error {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now()
	}

	s.auditLogger.WithFields(logrus.Fields{
		"log_type":          "webhook",
		"kind":              entry.Kind,
		"transaction_id":    entry.TransactionID,
		"raw_status":        entry.RawStatus,
		"normalized_status": entry.NormalizedStatus,
		"outcome":           entry.Outcome,
		"error":             entry.Error,
	}).Info("Webhook processed")

	if err := s.auditRepo.Insert(ctx, entry); err != nil {
		return fmt.Errorf("failed to store webhook log: %w", err)
	}
	return nil
}

func (s *auditService) RecordAdminAction(ctx context.Context, action *AdminAction) {
	fields := logrus.Fields{
		"log_type": "admin_action",
		"admin_id": action.AdminID,
		"action":   action.Action,
		"resource": action.Resource,
		"success":  action.Success,
	}
	for k, v := range action.Details {
		fields[k] = v
	}
	s.auditLogger.WithFields(fields).Info("Admin action")
}

func (s *auditService) GetWebhookTrail(ctx context.Context, transactionID string, limit int) ([]*models.WebhookLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.auditRepo.ListByTransaction(ctx, transactionID, limit)
}
