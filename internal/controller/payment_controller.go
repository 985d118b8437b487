package controller

import (
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/middleware"
	"ledger-api/internal/service"
	apperrors "ledger-api/pkg/errors"
)

type PaymentController struct {
	payments service.PaymentService
}

func NewPaymentController(payments service.PaymentService) *PaymentController {
	return &PaymentController{
		payments: payments,
	}
}

// @Summary Create a PIX deposit
// @Description Opens a pending deposit order and returns the gateway QR payload
// @Tags payments
// @Accept json
// @Produce json
// @Param request body service.CreateDepositRequest true "Deposit request"
// @Success 201 {object} service.CreateDepositResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/payments/deposits [post]
func (c *PaymentController) CreateDeposit(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}

	var req service.CreateDepositRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}
	req.UserID = userID

	response, err := c.payments.CreateDeposit(ctx.Request.Context(), &req)
	if err != nil {
		respondError(ctx, "Failed to create deposit", err)
		return
	}

	ctx.JSON(http.StatusCreated, response)
}

// @Summary Request a PIX withdrawal
// @Description Debits the withdrawable balance and submits the payout to the gateway
// @Tags payments
// @Accept json
// @Produce json
// @Param request body service.WithdrawalRequest true "Withdrawal request"
// @Success 202 {object} service.WithdrawalResponse
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/payments/withdrawals [post]
func (c *PaymentController) RequestWithdrawal(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}

	var req service.WithdrawalRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}
	req.UserID = userID

	response, err := c.payments.RequestWithdrawal(ctx.Request.Context(), &req)
	if err != nil {
		respondError(ctx, "Failed to request withdrawal", err)
		return
	}

	ctx.JSON(http.StatusAccepted, response)
}

// @Summary Get balance
// @Description Balance, bonus, withdrawable amount and lifetime totals of the caller
// @Tags payments
// @Produce json
// @Success 200 {object} service.BalanceResponse
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/payments/balance [get]
func (c *PaymentController) GetBalance(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}

	response, err := c.payments.GetBalance(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, "Failed to get balance", err)
		return
	}

	ctx.JSON(http.StatusOK, response)
}

func currentUserID(ctx *gin.Context) (primitive.ObjectID, bool) {
	userID, err := primitive.ObjectIDFromHex(ctx.GetString(middleware.ContextUserID))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Invalid token claims",
			Message: "user_id is not a valid id",
		})
		return primitive.NilObjectID, false
	}
	return userID, true
}

// respondError maps err onto its AppError status. Unmapped errors are logged
// and reported as 500 without internals.
func respondError(ctx *gin.Context, title string, err error) {
	status := apperrors.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && apperrors.Code(err) == apperrors.CodeInternal {
		logrus.WithFields(logrus.Fields{
			"request_id": requestid.Get(ctx),
			"path":       ctx.Request.URL.Path,
			"error":      err.Error(),
		}).Error(title)
		message = "internal error"
	}

	ctx.JSON(status, ErrorResponse{
		Error:     title,
		Code:      apperrors.Code(err),
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestid.Get(ctx),
	})
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}
