package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/engine"
	"ledger-api/internal/external"
	"ledger-api/internal/models"
	"ledger-api/internal/money"
	"ledger-api/internal/repository"
	apperrors "ledger-api/pkg/errors"
)

var validate = validator.New()

type PaymentService interface {
	CreateDeposit(ctx context.Context, req *CreateDepositRequest) (*CreateDepositResponse, error)
	RequestWithdrawal(ctx context.Context, req *WithdrawalRequest) (*WithdrawalResponse, error)
	GetBalance(ctx context.Context, userID primitive.ObjectID) (*BalanceResponse, error)
}

type paymentService struct {
	users      repository.UserRepository
	orders     repository.PaymentOrderRepository
	gateway    external.PixGateway
	settlement engine.SettlementEngine
	tx         engine.Transactor
	depositTTL time.Duration
}

func NewPaymentService(
	users repository.UserRepository,
	orders repository.PaymentOrderRepository,
	gateway external.PixGateway,
	settlement engine.SettlementEngine,
	tx engine.Transactor,
	depositTTL time.Duration,
) PaymentService {
	if depositTTL <= 0 {
		depositTTL = 30 * time.Minute
	}
	return &paymentService{
		users:      users,
		orders:     orders,
		gateway:    gateway,
		settlement: settlement,
		tx:         tx,
		depositTTL: depositTTL,
	}
}

// Request/Response types
type CreateDepositRequest struct {
	UserID primitive.ObjectID `json:"-"`
	Amount money.Amount       `json:"amount" validate:"gt=0"`
}

type CreateDepositResponse struct {
	Order  *models.PaymentOrder `json:"order"`
	QRCode string               `json:"qr_code"`
}

type WithdrawalRequest struct {
	UserID     primitive.ObjectID `json:"-"`
	Amount     money.Amount       `json:"amount" validate:"gt=0"`
	PixKey     string             `json:"pix_key" validate:"required,max=140"`
	PixKeyType string             `json:"pix_key_type" validate:"required,oneof=cpf cnpj email phone random"`
}

type WithdrawalResponse struct {
	Order *models.PaymentOrder `json:"order"`
}

type BalanceResponse struct {
	UserID           primitive.ObjectID `json:"user_id"`
	Balance          money.Amount       `json:"balance"`
	BonusBalance     money.Amount       `json:"bonus_balance"`
	Withdrawable     money.Amount       `json:"withdrawable"`
	TotalDeposits    money.Amount       `json:"total_deposits"`
	TotalWithdrawals money.Amount       `json:"total_withdrawals"`
	TotalBets        money.Amount       `json:"total_bets"`
	VIPLevel         int                `json:"vip_level"`
}

// CreateDeposit opens a pending deposit and asks the gateway for a PIX charge.
// No money moves until the gateway confirms payment through the webhook.
func (s *paymentService) CreateDeposit(ctx context.Context, req *CreateDepositRequest) (*CreateDepositResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperrors.ErrInvalidParameter.WithDetails("%v", err)
	}

	if err := s.requireActive(ctx, req.UserID); err != nil {
		return nil, err
	}

	order := models.NewDepositOrder(req.UserID, req.Amount, s.depositTTL)
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create deposit order: %w", err)
	}

	charge, err := s.gateway.CreateCashIn(ctx, &external.CashInRequest{
		Amount:     order.Amount,
		ExternalID: order.ExternalID,
		UserID:     req.UserID.Hex(),
	})
	if err != nil {
		s.failOrder(ctx, order, err)
		return nil, err
	}

	if err := s.orders.AttachGatewayID(ctx, order.ID, charge.IDTransaction, charge.QRCode); err != nil {
		return nil, fmt.Errorf("failed to attach gateway id: %w", err)
	}
	order.IDTransaction = charge.IDTransaction
	order.QRCode = charge.QRCode

	logrus.WithFields(logrus.Fields{
		"order_id":       order.ID.Hex(),
		"user_id":        req.UserID.Hex(),
		"amount":         order.Amount.String(),
		"id_transaction": order.IDTransaction,
	}).Info("Deposit order created")

	return &CreateDepositResponse{Order: order, QRCode: charge.QRCode}, nil
}

// RequestWithdrawal debits the withdrawable balance and creates the order in
// one transaction, then asks the gateway for the payout. A gateway failure
// fails the order, which refunds the debit.
func (s *paymentService) RequestWithdrawal(ctx context.Context, req *WithdrawalRequest) (*WithdrawalResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperrors.ErrInvalidParameter.WithDetails("%v", err)
	}

	if err := s.requireActive(ctx, req.UserID); err != nil {
		return nil, err
	}

	order := models.NewWithdrawOrder(req.UserID, req.Amount, req.PixKey, req.PixKeyType)
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.users.AdjustBalance(ctx, req.UserID, models.BalanceAdjustment{
			Balance:             -req.Amount,
			RequireWithdrawable: true,
		}); err != nil {
			return err
		}
		return s.orders.Create(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	payout, err := s.gateway.CreateCashOut(ctx, &external.CashOutRequest{
		Amount:     order.Amount,
		ExternalID: order.ExternalID,
		PixKey:     order.PixKey,
		PixKeyType: order.PixKeyType,
	})
	if err != nil {
		s.failOrder(ctx, order, err)
		return nil, err
	}

	// The payout exists at the gateway from here on. A client hanging up must
	// not leave the order without its gateway id.
	detached := context.WithoutCancel(ctx)
	if err := s.orders.AttachGatewayID(detached, order.ID, payout.IDTransaction, ""); err != nil {
		logrus.WithFields(logrus.Fields{
			"order_id":       order.ID.Hex(),
			"external_id":    order.ExternalID,
			"id_transaction": payout.IDTransaction,
		}).WithError(err).Error("Payout accepted but gateway id not attached")
		return nil, fmt.Errorf("failed to attach gateway id: %w", err)
	}
	order.IDTransaction = payout.IDTransaction

	result, err := s.settlement.ApplyStatus(detached, &engine.StatusChange{
		OrderID: order.ID,
		Status:  models.OrderStatusProcessing,
		Source:  models.SourceGateway,
		Reason:  "payout accepted",
	})
	switch {
	case err == nil:
		order = result.Order
	case apperrors.Is(err, apperrors.ErrInvalidTransition):
		// The webhook already settled the payout.
		logrus.WithField("order_id", order.ID.Hex()).Info("Withdrawal settled before processing mark")
	default:
		return nil, fmt.Errorf("failed to mark withdrawal processing: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"order_id":       order.ID.Hex(),
		"user_id":        req.UserID.Hex(),
		"amount":         order.Amount.String(),
		"id_transaction": order.IDTransaction,
	}).Info("Withdrawal requested")

	return &WithdrawalResponse{Order: order}, nil
}

// requireActive rejects new orders for deactivated accounts. Orders already in
// flight still settle.
func (s *paymentService) requireActive(ctx context.Context, userID primitive.ObjectID) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.Active {
		return apperrors.ErrInvalidUser.WithDetails("user %s is inactive", userID.Hex())
	}
	return nil
}

func (s *paymentService) failOrder(ctx context.Context, order *models.PaymentOrder, cause error) {
	_, err := s.settlement.ApplyStatus(ctx, &engine.StatusChange{
		OrderID: order.ID,
		Status:  models.OrderStatusFailed,
		Source:  models.SourceGateway,
		Reason:  cause.Error(),
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"order_id": order.ID.Hex(),
			"type":     order.Type,
		}).Error("Failed to fail order after gateway error")
	}
}

func (s *paymentService) GetBalance(ctx context.Context, userID primitive.ObjectID) (*BalanceResponse, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		UserID:           user.ID,
		Balance:          user.ReportedBalance(),
		BonusBalance:     user.BonusBalance,
		Withdrawable:     user.Withdrawable(),
		TotalDeposits:    user.TotalDeposits,
		TotalWithdrawals: user.TotalWithdrawals,
		TotalBets:        user.TotalBets,
		VIPLevel:         user.VIPLevel,
	}, nil
}
