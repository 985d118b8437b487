package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/models"
	"ledger-api/internal/money"
	"ledger-api/internal/repository"
)

// Reconciliation statuses.
const (
	ReconcileSuccess          = "success"
	ReconcileDiscrepancyFound = "discrepancy_found"
	ReconcileError            = "error"
)

type ReconciliationEngine interface {
	ReconcileUser(ctx context.Context, userID primitive.ObjectID) (*ReconciliationResult, error)
	ReconcileAll(ctx context.Context, batchSize int) (*BatchReconciliationResult, error)
}

type reconciliationEngine struct {
	users   repository.UserRepository
	orders  repository.PaymentOrderRepository
	txns    repository.GameTransactionRepository
	updater AggregateUpdater
}

func NewReconciliationEngine(
	users repository.UserRepository,
	orders repository.PaymentOrderRepository,
	txns repository.GameTransactionRepository,
	updater AggregateUpdater,
) ReconciliationEngine {
	return &reconciliationEngine{
		users:   users,
		orders:  orders,
		txns:    txns,
		updater: updater,
	}
}

// Totals is one snapshot of the cumulative counters.
type Totals struct {
	Deposits    money.Amount `json:"deposits"`
	Withdrawals money.Amount `json:"withdrawals"`
	Bets        money.Amount `json:"bets"`
}

type ReconciliationResult struct {
	UserID             primitive.ObjectID `json:"user_id"`
	Stored             Totals             `json:"stored"`
	Computed           Totals             `json:"computed"`
	Discrepancies      []string           `json:"discrepancies,omitempty"`
	Raised             bool               `json:"raised"`
	ReconciliationTime time.Time          `json:"reconciliation_time"`
	Status             string             `json:"status"`
	ErrorMessage       string             `json:"error_message,omitempty"`
}

type BatchReconciliationResult struct {
	TotalUsers          int                     `json:"total_users"`
	ReconciledUsers     int                     `json:"reconciled_users"`
	DiscrepanciesFound  int                     `json:"discrepancies_found"`
	ErrorsEncountered   int                     `json:"errors_encountered"`
	Results             []*ReconciliationResult `json:"results"`
	BatchStartTime      time.Time               `json:"batch_start_time"`
	BatchEndTime        time.Time               `json:"batch_end_time"`
	TotalProcessingTime time.Duration           `json:"total_processing_time"`
}

// ReconcileUser recomputes a user's totals from paid orders and live game
// rounds. Stored totals below the computed ones are raised; totals are never
// lowered, so a stored value above the computed one is only reported.
func (e *reconciliationEngine) ReconcileUser(ctx context.Context, userID primitive.ObjectID) (*ReconciliationResult, error) {
	result := &ReconciliationResult{
		UserID:             userID,
		ReconciliationTime: time.Now(),
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.Stored = Totals{
		Deposits:    user.TotalDeposits,
		Withdrawals: user.TotalWithdrawals,
		Bets:        user.TotalBets,
	}

	computed, err := e.compute(ctx, userID)
	if err != nil {
		result.Status = ReconcileError
		result.ErrorMessage = err.Error()
		return result, nil
	}
	result.Computed = *computed

	result.Discrepancies = append(result.Discrepancies, compareTotal("total_deposits", user.TotalDeposits, computed.Deposits)...)
	result.Discrepancies = append(result.Discrepancies, compareTotal("total_withdrawals", user.TotalWithdrawals, computed.Withdrawals)...)
	result.Discrepancies = append(result.Discrepancies, compareTotal("total_bets", user.TotalBets, computed.Bets)...)

	if computed.Deposits > user.TotalDeposits || computed.Withdrawals > user.TotalWithdrawals || computed.Bets > user.TotalBets {
		if _, err := e.users.RaiseTotals(ctx, userID, computed.Deposits, computed.Withdrawals, computed.Bets); err != nil {
			result.Status = ReconcileError
			result.ErrorMessage = fmt.Sprintf("failed to raise totals: %v", err)
			return result, nil
		}
		result.Raised = true
	}

	if err := e.updater.Refresh(ctx, userID); err != nil {
		result.Status = ReconcileError
		result.ErrorMessage = fmt.Sprintf("failed to refresh aggregates: %v", err)
		return result, nil
	}

	result.Status = ReconcileSuccess
	if len(result.Discrepancies) > 0 {
		result.Status = ReconcileDiscrepancyFound
		logrus.WithFields(logrus.Fields{
			"user_id":       userID.Hex(),
			"discrepancies": result.Discrepancies,
			"raised":        result.Raised,
		}).Warn("Reconciliation found discrepancies")
	}
	return result, nil
}

func (e *reconciliationEngine) compute(ctx context.Context, userID primitive.ObjectID) (*Totals, error) {
	deposits, err := e.orders.SumPaid(ctx, userID, models.OrderTypeDeposit)
	if err != nil {
		return nil, fmt.Errorf("failed to sum deposits: %w", err)
	}
	withdrawals, err := e.orders.SumPaid(ctx, userID, models.OrderTypeWithdraw)
	if err != nil {
		return nil, fmt.Errorf("failed to sum withdrawals: %w", err)
	}
	bets, err := e.txns.SumLiveBets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum bets: %w", err)
	}
	return &Totals{Deposits: deposits, Withdrawals: withdrawals, Bets: bets}, nil
}

func compareTotal(field string, stored, computed money.Amount) []string {
	if stored == computed {
		return nil
	}
	return []string{fmt.Sprintf("%s stored %s computed %s", field, stored, computed)}
}

// ReconcileAll walks every active user in pages of batchSize.
func (e *reconciliationEngine) ReconcileAll(ctx context.Context, batchSize int) (*BatchReconciliationResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	result := &BatchReconciliationResult{
		BatchStartTime: time.Now(),
		Results:        make([]*ReconciliationResult, 0),
	}

	after := primitive.NilObjectID
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ids, err := e.users.ListActiveIDs(ctx, after, batchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list users for reconciliation: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			result.TotalUsers++
			userResult, err := e.ReconcileUser(ctx, id)
			if err != nil {
				result.ErrorsEncountered++
				continue
			}

			switch userResult.Status {
			case ReconcileSuccess:
				result.ReconciledUsers++
			case ReconcileDiscrepancyFound:
				result.DiscrepanciesFound++
				result.Results = append(result.Results, userResult)
			default:
				result.ErrorsEncountered++
				result.Results = append(result.Results, userResult)
			}
		}

		after = ids[len(ids)-1]
		if len(ids) < batchSize {
			break
		}
	}

	result.BatchEndTime = time.Now()
	result.TotalProcessingTime = result.BatchEndTime.Sub(result.BatchStartTime)
	return result, nil
}
