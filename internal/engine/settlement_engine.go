package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/models"
	"ledger-api/internal/monitoring"
	"ledger-api/internal/money"
	"ledger-api/internal/repository"
	apperrors "ledger-api/pkg/errors"
)

const maxTransitionAttempts = 3

// Settlement outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
)

type SettlementEngine interface {
	ApplyStatus(ctx context.Context, change *StatusChange) (*SettlementResult, error)
}

// StatusChange asks for a payment order to move to Status. The order is found
// by GatewayID when set, then by ExternalID, otherwise by OrderID.
type StatusChange struct {
	OrderID    primitive.ObjectID
	GatewayID  string
	ExternalID string
	Status     models.OrderStatus
	Fee        *money.Amount
	Source     string
	Reason     string
}

type SettlementResult struct {
	Order    *models.PaymentOrder
	Previous models.OrderStatus
	Outcome  string
}

type settlementEngine struct {
	users    repository.UserRepository
	orders   repository.PaymentOrderRepository
	outbox   repository.OutboxRepository
	settings repository.SettingsRepository
	tx       Transactor
	followUp FollowUp
	metrics  monitoring.MetricsService
}

func NewSettlementEngine(
	users repository.UserRepository,
	orders repository.PaymentOrderRepository,
	outbox repository.OutboxRepository,
	settings repository.SettingsRepository,
	tx Transactor,
	followUp FollowUp,
	metrics monitoring.MetricsService,
) SettlementEngine {
	return &settlementEngine{
		users:    users,
		orders:   orders,
		outbox:   outbox,
		settings: settings,
		tx:       tx,
		followUp: followUp,
		metrics:  metrics,
	}
}

// ApplyStatus moves an order to a new status and applies the balance effect
// of crossing the funds-applied boundary. Redelivering the current status is
// a no-op, so every crossing moves money exactly once.
func (e *settlementEngine) ApplyStatus(ctx context.Context, change *StatusChange) (*SettlementResult, error) {
	if !change.Status.Valid() {
		return nil, apperrors.ErrInvalidParameter.WithDetails("unknown status %q", change.Status)
	}
	if change.GatewayID == "" && change.ExternalID == "" && change.OrderID.IsZero() {
		return nil, apperrors.ErrInvalidParameter.WithDetails("order id or gateway transaction id is required")
	}

	start := time.Now()
	kind := "unknown"

	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		order, err := e.loadOrder(ctx, change)
		if err != nil {
			e.metrics.RecordSettlement(kind, apperrors.Code(err), time.Since(start))
			return nil, err
		}
		kind = string(order.Type)

		result, err := e.applyOnce(ctx, order, change)
		if errors.Is(err, repository.ErrStatusChanged) {
			logrus.WithFields(logrus.Fields{
				"order_id": order.ID.Hex(),
				"status":   change.Status,
				"attempt":  attempt,
			}).Debug("Order status changed concurrently, retrying")
			continue
		}
		if err != nil {
			e.metrics.RecordSettlement(kind, apperrors.Code(err), time.Since(start))
			return nil, err
		}

		e.metrics.RecordSettlement(kind, result.Outcome, time.Since(start))
		return result, nil
	}

	e.metrics.RecordSettlement(kind, "conflict", time.Since(start))
	return nil, fmt.Errorf("order transition to %s gave up after %d attempts: %w",
		change.Status, maxTransitionAttempts, repository.ErrStatusChanged)
}

// loadOrder falls back to the external id for callbacks that arrive before
// the gateway id is attached, and attaches it on their behalf.
func (e *settlementEngine) loadOrder(ctx context.Context, change *StatusChange) (*models.PaymentOrder, error) {
	if change.GatewayID == "" && change.ExternalID == "" {
		return e.orders.GetByID(ctx, change.OrderID)
	}

	if change.GatewayID != "" {
		order, err := e.orders.GetByGatewayID(ctx, change.GatewayID)
		if err == nil || change.ExternalID == "" || !apperrors.Is(err, apperrors.ErrOrderNotFound) {
			return order, err
		}
	}

	order, err := e.orders.GetByExternalID(ctx, change.ExternalID)
	if err != nil {
		return nil, err
	}
	if change.GatewayID == "" || change.GatewayID == change.ExternalID {
		return order, nil
	}
	if order.IDTransaction != "" && order.IDTransaction != change.GatewayID {
		return nil, apperrors.ErrOrderNotFound.WithDetails(
			"external id %s belongs to gateway transaction %s", change.ExternalID, order.IDTransaction)
	}
	if order.IDTransaction == "" {
		if err := e.orders.AttachGatewayID(ctx, order.ID, change.GatewayID, order.QRCode); err != nil {
			return nil, err
		}
		order.IDTransaction = change.GatewayID
		logrus.WithFields(logrus.Fields{
			"order_id":       order.ID.Hex(),
			"external_id":    change.ExternalID,
			"id_transaction": change.GatewayID,
		}).Info("Gateway id attached from callback")
	}
	return order, nil
}

func (e *settlementEngine) applyOnce(ctx context.Context, order *models.PaymentOrder, change *StatusChange) (*SettlementResult, error) {
	if order.Status == change.Status {
		return &SettlementResult{Order: order, Previous: order.Status, Outcome: OutcomeNoop}, nil
	}
	if err := order.CanEnter(change.Status); err != nil {
		return nil, apperrors.ErrInvalidTransition.WithDetails("%v", err)
	}
	if order.IsTerminal() && change.Source != models.SourceAdmin {
		return nil, apperrors.ErrInvalidTransition.WithDetails(
			"order %s is %s; only an admin can move it to %s", order.ID.Hex(), order.Status, change.Status)
	}

	// The plan reads other orders and the user's first-deposit marker, so it
	// is built inside the transaction that writes it.
	var (
		plan    *transitionPlan
		updated *models.PaymentOrder
	)
	err := e.tx.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		if plan, err = e.plan(ctx, order, change); err != nil {
			return err
		}
		updated, err = e.orders.Transition(ctx, order.ID, order.Status, change.Status, plan.update)
		if err != nil {
			return err
		}

		if plan.adjustment != (models.BalanceAdjustment{}) {
			if _, err := e.users.AdjustBalance(ctx, order.UserID, plan.adjustment); err != nil {
				return err
			}
		}

		for _, event := range plan.events {
			if err := e.outbox.Insert(ctx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"order_id":       order.ID.Hex(),
		"id_transaction": order.IDTransaction,
		"type":           order.Type,
		"from":           order.Status,
		"to":             change.Status,
		"source":         change.Source,
		"balance_delta":  plan.adjustment.Balance.String(),
	}).Info("Payment order transitioned")

	if plan.movement != "" {
		e.metrics.RecordBalanceMovement(plan.movement, plan.adjustment.Balance.Decimal().InexactFloat64())
	}
	if plan.refresh && e.followUp != nil {
		e.followUp(ctx, order.UserID)
	}

	return &SettlementResult{Order: updated, Previous: order.Status, Outcome: OutcomeApplied}, nil
}

// transitionPlan is everything written together with one status change.
type transitionPlan struct {
	update     models.OrderUpdate
	adjustment models.BalanceAdjustment
	events     []*models.OutboxEvent
	movement   string
	refresh    bool
}

func (e *settlementEngine) plan(ctx context.Context, order *models.PaymentOrder, change *StatusChange) (*transitionPlan, error) {
	now := time.Now()
	p := &transitionPlan{
		update: models.OrderUpdate{
			Change: models.StatusChange{
				From:   order.Status,
				To:     change.Status,
				Source: change.Source,
				Reason: change.Reason,
				At:     now,
			},
		},
	}
	if change.Status == models.OrderStatusFailed {
		p.update.FailedAt = &now
	}

	var err error
	switch order.Type {
	case models.OrderTypeDeposit:
		err = e.planDeposit(ctx, p, order, change, now)
	case models.OrderTypeWithdraw:
		err = e.planWithdrawal(p, order, change, now)
	default:
		err = fmt.Errorf("order %s has unknown type %q", order.ID.Hex(), order.Type)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *settlementEngine) planDeposit(ctx context.Context, p *transitionPlan, order *models.PaymentOrder, change *StatusChange, now time.Time) error {
	wasApplied := order.FundsApplied(order.Status)
	willApply := order.FundsApplied(change.Status)

	switch {
	case !wasApplied && willApply:
		// A deposit paid earlier, reversed and paid again keeps its original
		// bonus and does not count towards totals twice.
		first, bonus := order.FirstDeposit, order.BonusAmount
		firstTime := order.PaidAt == nil
		if firstTime {
			settings, err := e.settings.GetRewards(ctx)
			if err != nil {
				return fmt.Errorf("failed to load reward settings: %w", err)
			}
			prior, err := e.orders.CountPaidDeposits(ctx, order.UserID, order.ID)
			if err != nil {
				return err
			}
			first = false
			if prior == 0 {
				// Two deposits paid at once both count zero prior deposits;
				// only the one that claims the marker gets the bonus.
				if first, err = e.users.ClaimFirstDeposit(ctx, order.UserID, order.ID); err != nil {
					return err
				}
			}
			bonus = settings.DepositBonus(order.Amount, first)
			p.update.PaidAt = &now
			p.adjustment.Deposits = order.Amount
		}

		p.update.Bonus = &bonus
		p.update.First = &first
		p.adjustment.Balance = order.Amount + bonus
		p.adjustment.Bonus = bonus
		p.movement = "deposit_credit"
		p.refresh = true

		p.events = append(p.events, models.NewOutboxEvent(models.EventDepositPaid, order.ID.Hex(), map[string]interface{}{
			"order_id":      order.ID.Hex(),
			"user_id":       order.UserID.Hex(),
			"amount":        order.Amount.String(),
			"bonus":         bonus.String(),
			"first_deposit": first,
		}))
		if first && firstTime {
			p.events = append(p.events, models.NewOutboxEvent(models.EventFirstDepositConvert, order.ID.Hex(), map[string]interface{}{
				"order_id": order.ID.Hex(),
				"user_id":  order.UserID.Hex(),
				"value":    order.Amount.String(),
			}))
		}

	case wasApplied && !willApply:
		p.adjustment.Balance = -(order.Amount + order.BonusAmount)
		p.adjustment.Bonus = -order.BonusAmount
		p.movement = "deposit_reversal"

		p.events = append(p.events, models.NewOutboxEvent(models.EventDepositReversed, order.ID.Hex(), map[string]interface{}{
			"order_id": order.ID.Hex(),
			"user_id":  order.UserID.Hex(),
			"amount":   order.Amount.String(),
			"bonus":    order.BonusAmount.String(),
			"status":   string(change.Status),
		}))
	}
	return nil
}

func (e *settlementEngine) planWithdrawal(p *transitionPlan, order *models.PaymentOrder, change *StatusChange, now time.Time) error {
	wasApplied := order.FundsApplied(order.Status)
	willApply := order.FundsApplied(change.Status)

	switch {
	case wasApplied && !willApply:
		p.adjustment.Balance = order.Amount
		p.movement = "withdrawal_refund"
		p.events = append(p.events, models.NewOutboxEvent(models.EventWithdrawalRefunded, order.ID.Hex(), map[string]interface{}{
			"order_id": order.ID.Hex(),
			"user_id":  order.UserID.Hex(),
			"amount":   order.Amount.String(),
			"status":   string(change.Status),
		}))
	case !wasApplied && willApply:
		p.adjustment.Balance = -order.Amount
		p.adjustment.RequireWithdrawable = true
		p.movement = "withdrawal_debit"
	}

	if change.Status == models.OrderStatusPaid && order.PaidAt == nil {
		fee := order.Fee
		if change.Fee != nil {
			fee = *change.Fee
		}
		if fee.IsNegative() || fee > order.Amount {
			return apperrors.ErrInvalidParameter.WithDetails("fee %s out of range for amount %s", fee, order.Amount)
		}
		net := order.Amount - fee

		p.update.Fee = &fee
		p.update.NetAmount = &net
		p.update.PaidAt = &now
		p.adjustment.Withdrawals = net

		p.events = append(p.events, models.NewOutboxEvent(models.EventWithdrawalPaid, order.ID.Hex(), map[string]interface{}{
			"order_id":   order.ID.Hex(),
			"user_id":    order.UserID.Hex(),
			"amount":     order.Amount.String(),
			"fee":        fee.String(),
			"net_amount": net.String(),
		}))
	}
	return nil
}
