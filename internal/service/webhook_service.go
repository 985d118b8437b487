package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ledger-api/internal/engine"
	"ledger-api/internal/models"
	"ledger-api/internal/monitoring"
	"ledger-api/internal/repository"
	"ledger-api/internal/webhook"
	apperrors "ledger-api/pkg/errors"
)

// WebhookService turns gateway callbacks into settlement status changes and
// records every delivery in the audit trail.
type WebhookService interface {
	ProcessDeposit(ctx context.Context, payload map[string]interface{}) *models.WebhookLog
	ProcessWithdrawal(ctx context.Context, payload map[string]interface{}) *models.WebhookLog
}

// orderLookupBackoff spaces the retries of a callback whose order is not
// found. A payout callback can beat the request that attaches its gateway id.
var orderLookupBackoff = []time.Duration{500 * time.Millisecond, 2 * time.Second, 5 * time.Second}

type webhookService struct {
	settlement    engine.SettlementEngine
	deliveries    repository.DeliveryDeduper
	audit         AuditService
	metrics       monitoring.MetricsService
	dedupeTTL     time.Duration
	lookupBackoff []time.Duration
}

func NewWebhookService(
	settlement engine.SettlementEngine,
	deliveries repository.DeliveryDeduper,
	audit AuditService,
	metrics monitoring.MetricsService,
	dedupeTTL time.Duration,
) WebhookService {
	return &webhookService{
		settlement:    settlement,
		deliveries:    deliveries,
		audit:         audit,
		metrics:       metrics,
		dedupeTTL:     dedupeTTL,
		lookupBackoff: orderLookupBackoff,
	}
}

func (s *webhookService) ProcessDeposit(ctx context.Context, payload map[string]interface{}) *models.WebhookLog {
	return s.process(ctx, models.WebhookKindDeposit, payload, webhook.NormalizeDeposit)
}

func (s *webhookService) ProcessWithdrawal(ctx context.Context, payload map[string]interface{}) *models.WebhookLog {
	return s.process(ctx, models.WebhookKindWithdraw, payload, webhook.NormalizeWithdrawal)
}

type normalizer func(payload map[string]interface{}) (*webhook.Event, error)

func (s *webhookService) process(ctx context.Context, kind string, payload map[string]interface{}, normalize normalizer) *models.WebhookLog {
	entry := &models.WebhookLog{
		Kind:       kind,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	defer s.finish(ctx, entry)

	event, err := normalize(payload)
	if err != nil {
		entry.Outcome = models.OutcomeFailed
		entry.Error = err.Error()
		return entry
	}
	entry.TransactionID = event.TransactionID
	if entry.TransactionID == "" {
		entry.TransactionID = event.ExternalID
	}
	entry.RawStatus = event.RawStatus
	entry.NormalizedStatus = string(event.Status)

	if !event.Recognized {
		entry.Outcome = models.OutcomeIgnored
		return entry
	}

	key := fmt.Sprintf("%s:%s:%s", kind, entry.TransactionID, event.Status)
	if !s.firstDelivery(ctx, key) {
		entry.Outcome = models.OutcomeDuplicate
		return entry
	}

	result, err := s.apply(ctx, &engine.StatusChange{
		GatewayID:  event.TransactionID,
		ExternalID: event.ExternalID,
		Status:     event.Status,
		Fee:        event.Fee,
		Source:     models.SourceWebhook,
		Reason:     "gateway status " + event.RawStatus,
	})
	if err != nil {
		entry.Outcome = models.OutcomeFailed
		entry.Error = err.Error()
		s.forget(ctx, key)
		return entry
	}

	entry.Outcome = models.OutcomeApplied
	if result.Outcome == engine.OutcomeNoop {
		entry.Outcome = models.OutcomeNoop
	}

	if event.Amount != nil && result.Order != nil && *event.Amount != result.Order.Amount {
		logrus.WithFields(logrus.Fields{
			"kind":           kind,
			"transaction_id": event.TransactionID,
			"reported":       event.Amount.String(),
			"order_amount":   result.Order.Amount.String(),
		}).Warn("Webhook amount differs from order amount")
	}
	return entry
}

// apply retries while the order is not found, giving a racing payout request
// time to attach the gateway id. The gateway was already answered, so this
// is the only retry the callback gets.
func (s *webhookService) apply(ctx context.Context, change *engine.StatusChange) (*engine.SettlementResult, error) {
	result, err := s.settlement.ApplyStatus(ctx, change)
	for _, wait := range s.lookupBackoff {
		if !apperrors.Is(err, apperrors.ErrOrderNotFound) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(wait):
		}
		result, err = s.settlement.ApplyStatus(ctx, change)
	}
	return result, err
}

// firstDelivery fails open: without Redis every delivery reaches the
// settlement engine, which is idempotent on its own.
func (s *webhookService) firstDelivery(ctx context.Context, key string) bool {
	if s.deliveries == nil {
		return true
	}
	first, err := s.deliveries.FirstDelivery(ctx, key, s.dedupeTTL)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Webhook dedupe unavailable")
		return true
	}
	return first
}

func (s *webhookService) forget(ctx context.Context, key string) {
	if s.deliveries == nil {
		return
	}
	if err := s.deliveries.Forget(ctx, key); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Failed to forget webhook delivery")
	}
}

func (s *webhookService) finish(ctx context.Context, entry *models.WebhookLog) {
	if s.metrics != nil {
		s.metrics.RecordWebhook(entry.Kind, entry.Outcome)
	}

	fields := logrus.Fields{
		"kind":           entry.Kind,
		"transaction_id": entry.TransactionID,
		"raw_status":     entry.RawStatus,
		"outcome":        entry.Outcome,
	}
	switch entry.Outcome {
	case models.OutcomeFailed:
		logrus.WithFields(fields).WithField("error", entry.Error).Error("Webhook processing failed")
	case models.OutcomeIgnored:
		logrus.WithFields(fields).Warn("Webhook status not recognized")
	default:
		logrus.WithFields(fields).Info("Webhook processed")
	}

	if err := s.audit.RecordWebhook(ctx, entry); err != nil {
		logrus.WithError(err).WithField("transaction_id", entry.TransactionID).Error("Failed to record webhook")
	}
}
