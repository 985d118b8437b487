package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ledger-api/internal/engine"
	"ledger-api/internal/models"
	"ledger-api/internal/repository"
	apperrors "ledger-api/pkg/errors"
)

const (
	JobOutboxRelay    = "outbox-relay"
	JobExpireDeposits = "expire-deposits"
	JobReconcile      = "reconcile"
	JobFlagStranded   = "flag-stranded-withdrawals"
)

const strandedReason = "withdrawal has no gateway id"

// EventPublisher is the part of the message queue the relay needs.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *models.OutboxEvent) error
}

// Jobs holds the background work. Each method is safe to run on several
// instances at once; the lease only avoids duplicate effort.
type Jobs struct {
	outbox         repository.OutboxRepository
	publisher      EventPublisher
	orders         repository.PaymentOrderRepository
	settlement     engine.SettlementEngine
	reconciliation engine.ReconciliationEngine
	outboxBatch    int
	expiryBatch    int
	reconcileBatch int
	strandedAfter  time.Duration
	now            func() time.Time
}

type JobsConfig struct {
	OutboxBatchSize int
	ExpiryBatchSize int
	ReconcileBatch  int
	StrandedAfter   time.Duration
}

func NewJobs(
	outbox repository.OutboxRepository,
	publisher EventPublisher,
	orders repository.PaymentOrderRepository,
	settlement engine.SettlementEngine,
	reconciliation engine.ReconciliationEngine,
	cfg JobsConfig,
) *Jobs {
	if cfg.OutboxBatchSize <= 0 {
		cfg.OutboxBatchSize = 100
	}
	if cfg.ExpiryBatchSize <= 0 {
		cfg.ExpiryBatchSize = 200
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = 100
	}
	if cfg.StrandedAfter <= 0 {
		cfg.StrandedAfter = 10 * time.Minute
	}
	return &Jobs{
		outbox:         outbox,
		publisher:      publisher,
		orders:         orders,
		settlement:     settlement,
		reconciliation: reconciliation,
		outboxBatch:    cfg.OutboxBatchSize,
		expiryBatch:    cfg.ExpiryBatchSize,
		reconcileBatch: cfg.ReconcileBatch,
		strandedAfter:  cfg.StrandedAfter,
		now:            time.Now,
	}
}

// RelayOutbox publishes one batch of pending events. A failed publish is
// recorded on the event and retried on the next run.
func (j *Jobs) RelayOutbox(ctx context.Context) (int, error) {
	events, err := j.outbox.ListPending(ctx, j.outboxBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending events: %w", err)
	}

	published := 0
	var failures int
	for _, event := range events {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}

		if err := j.publisher.PublishEvent(ctx, event); err != nil {
			failures++
			logrus.WithFields(logrus.Fields{
				"event_id":   event.ID,
				"event_type": event.Type,
				"attempts":   event.Attempts + 1,
				"error":      err.Error(),
			}).Warn("Outbox publish failed")
			if merr := j.outbox.MarkFailed(ctx, event.ID, err.Error()); merr != nil {
				logrus.WithError(merr).WithField("event_id", event.ID).Error("Failed to record outbox failure")
			}
			continue
		}

		if err := j.outbox.MarkPublished(ctx, event.ID); err != nil {
			// Consumers dedupe on message id, so a republish is harmless.
			logrus.WithError(err).WithField("event_id", event.ID).Error("Failed to mark event published")
			continue
		}
		published++
	}

	if failures > 0 {
		return published, fmt.Errorf("%d of %d events failed to publish", failures, len(events))
	}
	return published, nil
}

// ExpireDeposits cancels pending deposits past their expiry. Losing a race
// to a webhook is expected and skipped.
func (j *Jobs) ExpireDeposits(ctx context.Context) (int, error) {
	orders, err := j.orders.ListExpiredPending(ctx, j.now(), j.expiryBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired deposits: %w", err)
	}

	expired := 0
	var lastErr error
	for _, order := range orders {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}

		result, err := j.settlement.ApplyStatus(ctx, &engine.StatusChange{
			OrderID: order.ID,
			Status:  models.OrderStatusCancelled,
			Source:  models.SourceExpiry,
			Reason:  "deposit expired",
		})
		switch {
		case errors.Is(err, apperrors.ErrInvalidTransition), errors.Is(err, repository.ErrStatusChanged):
			logrus.WithField("order_id", order.ID.Hex()).Debug("Deposit settled before expiry")
		case err != nil:
			lastErr = err
			logrus.WithError(err).WithField("order_id", order.ID.Hex()).Error("Failed to expire deposit")
		case result.Outcome == engine.OutcomeApplied:
			expired++
		}
	}

	if lastErr != nil {
		return expired, lastErr
	}
	return expired, nil
}

// FlagStrandedWithdrawals marks pending withdrawals that never got a gateway
// id. Their debit is held, and the payout may or may not exist at the
// gateway, so an operator settles them through the admin status endpoint.
func (j *Jobs) FlagStrandedWithdrawals(ctx context.Context) (int, error) {
	orders, err := j.orders.ListStrandedWithdrawals(ctx, j.now().Add(-j.strandedAfter), j.expiryBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stranded withdrawals: %w", err)
	}

	flagged := 0
	var lastErr error
	for _, order := range orders {
		if ctx.Err() != nil {
			return flagged, ctx.Err()
		}

		if err := j.orders.Flag(ctx, order.ID, strandedReason); err != nil {
			lastErr = err
			logrus.WithError(err).WithField("order_id", order.ID.Hex()).Error("Failed to flag stranded withdrawal")
			continue
		}
		flagged++
		logrus.WithFields(logrus.Fields{
			"order_id":    order.ID.Hex(),
			"external_id": order.ExternalID,
			"user_id":     order.UserID.Hex(),
			"amount":      order.Amount.String(),
			"created_at":  order.CreatedAt,
		}).Warn("Withdrawal stranded without gateway id")
	}

	return flagged, lastErr
}

func (j *Jobs) Reconcile(ctx context.Context) (int, error) {
	result, err := j.reconciliation.ReconcileAll(ctx, j.reconcileBatch)
	if err != nil {
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"total_users":         result.TotalUsers,
		"discrepancies_found": result.DiscrepanciesFound,
		"errors":              result.ErrorsEncountered,
		"duration":            result.TotalProcessingTime.String(),
	}).Info("Nightly reconciliation finished")

	if result.ErrorsEncountered > 0 {
		return result.ReconciledUsers, fmt.Errorf("%d users failed to reconcile", result.ErrorsEncountered)
	}
	return result.ReconciledUsers, nil
}
