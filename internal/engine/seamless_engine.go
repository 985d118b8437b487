package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ledger-api/internal/models"
	"ledger-api/internal/monitoring"
	"ledger-api/internal/money"
	"ledger-api/internal/repository"
	apperrors "ledger-api/pkg/errors"
)

// Seamless callback methods.
const (
	MethodUserBalance  = "user_balance"
	MethodBalanceQuery = "balance_query"
	MethodTransaction  = "transaction"
)

type SeamlessEngine interface {
	Handle(ctx context.Context, event *SeamlessEvent) (*SeamlessResult, error)
}

// SeamlessEvent is one aggregator callback, already decoded into amounts.
type SeamlessEvent struct {
	Method       string
	UserCode     string
	TxnID        string
	TxnType      string
	Bet          money.Amount
	Win          money.Amount
	GameType     string
	ProviderCode string
	GameCode     string
}

type SeamlessResult struct {
	Balance  money.Amount
	Replayed bool
}

type seamlessEngine struct {
	users    repository.UserRepository
	txns     repository.GameTransactionRepository
	tx       Transactor
	live     bool
	followUp FollowUp
	metrics  monitoring.MetricsService
}

// NewSeamlessEngine builds the seamless wallet handler. When live is false
// rounds are logged but never move the balance.
func NewSeamlessEngine(
	users repository.UserRepository,
	txns repository.GameTransactionRepository,
	tx Transactor,
	live bool,
	followUp FollowUp,
	metrics monitoring.MetricsService,
) SeamlessEngine {
	return &seamlessEngine{
		users:    users,
		txns:     txns,
		tx:       tx,
		live:     live,
		followUp: followUp,
		metrics:  metrics,
	}
}

func (e *seamlessEngine) Handle(ctx context.Context, event *SeamlessEvent) (*SeamlessResult, error) {
	start := time.Now()

	var (
		result *SeamlessResult
		err    error
	)
	switch event.Method {
	case MethodUserBalance, MethodBalanceQuery:
		result, err = e.balance(ctx, event)
	case MethodTransaction:
		result, err = e.transaction(ctx, event)
	default:
		err = apperrors.ErrInvalidMethod.WithDetails("unknown method %q", event.Method)
	}

	e.metrics.RecordSeamless(event.Method, seamlessOutcome(result, err), time.Since(start))
	return result, err
}

func (e *seamlessEngine) balance(ctx context.Context, event *SeamlessEvent) (*SeamlessResult, error) {
	if event.UserCode == "" {
		return nil, apperrors.ErrInvalidParameter.WithDetails("user_code is required")
	}

	user, err := e.users.GetByCode(ctx, event.UserCode)
	if err != nil {
		return nil, err
	}
	return &SeamlessResult{Balance: user.ReportedBalance()}, nil
}

func (e *seamlessEngine) transaction(ctx context.Context, event *SeamlessEvent) (*SeamlessResult, error) {
	if event.TxnID == "" {
		return nil, apperrors.ErrInvalidParameter.WithDetails("txn_id is required")
	}
	if event.UserCode == "" {
		return nil, apperrors.ErrInvalidParameter.WithDetails("user_code is required")
	}
	if event.Bet.IsNegative() || event.Win.IsNegative() {
		return nil, apperrors.ErrInvalidParameter.WithDetails("bet and win must not be negative")
	}

	existing, err := e.txns.GetByTxnID(ctx, event.TxnID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return e.replayed(existing, event), nil
	}

	user, err := e.users.GetByCode(ctx, event.UserCode)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, apperrors.ErrInvalidUser.WithDetails("user %s is inactive", event.UserCode)
	}

	entry := &models.GameTransaction{
		TxnID:        event.TxnID,
		UserID:       user.ID,
		UserCode:     user.UserCode,
		TxnType:      event.TxnType,
		Bet:          event.Bet,
		Win:          event.Win,
		Delta:        models.GameDelta(event.TxnType, event.Bet, event.Win),
		Live:         e.live,
		ProviderCode: event.ProviderCode,
		GameCode:     event.GameCode,
		GameType:     event.GameType,
		CreatedAt:    time.Now(),
	}

	if !e.live {
		entry.BalanceAfter = user.ReportedBalance()
		if err := e.txns.Insert(ctx, entry); err != nil {
			if errors.Is(err, apperrors.ErrDuplicate) {
				return e.reload(ctx, event)
			}
			return nil, err
		}
		return &SeamlessResult{Balance: entry.BalanceAfter}, nil
	}

	err = e.tx.WithTransaction(ctx, func(ctx context.Context) error {
		adj := models.BalanceAdjustment{Balance: entry.Delta}
		if entry.Delta.IsNegative() {
			adj.Bets = entry.Delta.Abs()
		}

		updated, err := e.users.AdjustBalance(ctx, user.ID, adj)
		if err != nil {
			return err
		}

		entry.BalanceAfter = updated.ReportedBalance()
		return e.txns.Insert(ctx, entry)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicate) {
			return e.reload(ctx, event)
		}
		if errors.Is(err, apperrors.ErrInsufficientFunds) {
			logrus.WithFields(logrus.Fields{
				"txn_id":    event.TxnID,
				"user_code": event.UserCode,
				"delta":     entry.Delta.String(),
			}).Info("Seamless debit rejected")
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"txn_id":        event.TxnID,
		"user_code":     event.UserCode,
		"delta":         entry.Delta.String(),
		"balance_after": entry.BalanceAfter.String(),
	}).Debug("Seamless transaction applied")

	if entry.Delta.IsNegative() && e.followUp != nil {
		e.followUp(ctx, user.ID)
	}

	return &SeamlessResult{Balance: entry.BalanceAfter}, nil
}

// reload returns the entry written by a concurrent delivery that won the
// unique index race.
func (e *seamlessEngine) reload(ctx context.Context, event *SeamlessEvent) (*SeamlessResult, error) {
	existing, err := e.txns.GetByTxnID(ctx, event.TxnID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("txn %s reported duplicate but was not found", event.TxnID)
	}
	return e.replayed(existing, event), nil
}

func (e *seamlessEngine) replayed(existing *models.GameTransaction, event *SeamlessEvent) *SeamlessResult {
	if existing.UserCode != event.UserCode {
		logrus.WithFields(logrus.Fields{
			"txn_id":        event.TxnID,
			"user_code":     event.UserCode,
			"recorded_user": existing.UserCode,
		}).Warn("Replayed txn_id belongs to another user")
	}
	return &SeamlessResult{Balance: existing.BalanceAfter, Replayed: true}
}

func seamlessOutcome(result *SeamlessResult, err error) string {
	switch {
	case err != nil:
		return apperrors.Code(err)
	case result.Replayed:
		return "replayed"
	default:
		return "ok"
	}
}
