package controller

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ledger-api/internal/engine"
	"ledger-api/internal/money"
	apperrors "ledger-api/pkg/errors"
)

// Codes the aggregator understands; anything else is reported as internal.
var seamlessCodes = map[string]bool{
	apperrors.CodeInvalidParameter:  true,
	apperrors.CodeInvalidUser:       true,
	apperrors.CodeInsufficientFunds: true,
	apperrors.CodeInvalidMethod:     true,
}

type SeamlessController struct {
	engine engine.SeamlessEngine
	unit   money.Unit
}

func NewSeamlessController(seamless engine.SeamlessEngine, unit money.Unit) *SeamlessController {
	if !unit.Valid() {
		unit = money.UnitMajor
	}
	return &SeamlessController{
		engine: seamless,
		unit:   unit,
	}
}

// FlexibleAmount accepts 12.5, "12.5" and "" from the aggregator.
type FlexibleAmount struct {
	Value decimal.Decimal
	Set   bool
}

func (f *FlexibleAmount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(strings.Trim(strings.TrimSpace(string(data)), `"`))
	if raw == "" || raw == "null" {
		*f = FlexibleAmount{}
		return nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	*f = FlexibleAmount{Value: value, Set: true}
	return nil
}

type SeamlessRequest struct {
	Method   string        `json:"method"`
	UserCode string        `json:"user_code"`
	GameType string        `json:"game_type"`
	Slot     *SeamlessSlot `json:"slot,omitempty"`
}

type SeamlessSlot struct {
	TxnID        string         `json:"txn_id"`
	TxnType      string         `json:"txn_type"`
	BetMoney     FlexibleAmount `json:"bet_money"`
	WinMoney     FlexibleAmount `json:"win_money"`
	ProviderCode string         `json:"provider_code"`
	GameCode     string         `json:"game_code"`
}

type SeamlessResponse struct {
	Status      int          `json:"status"`
	UserBalance *json.Number `json:"user_balance,omitempty"`
	Msg         string       `json:"msg,omitempty"`
}

// @Summary Seamless wallet callback
// @Description Balance queries and bet/win rounds from the game aggregator. Always answers 200; failures carry status 0 and msg.
// @Tags seamless
// @Accept json
// @Produce json
// @Param request body SeamlessRequest true "Aggregator callback"
// @Success 200 {object} SeamlessResponse
// @Router /api/seamless/gold_api [post]
func (c *SeamlessController) Handle(ctx *gin.Context) {
	var req SeamlessRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		c.fail(ctx, apperrors.ErrInvalidParameter.WithDetails("%v", err))
		return
	}

	event := &engine.SeamlessEvent{
		Method:   req.Method,
		UserCode: req.UserCode,
		GameType: req.GameType,
	}
	if req.Slot != nil {
		event.TxnID = req.Slot.TxnID
		event.TxnType = req.Slot.TxnType
		event.ProviderCode = req.Slot.ProviderCode
		event.GameCode = req.Slot.GameCode
		var err error
		if event.Bet, err = c.unit.Decode(req.Slot.BetMoney.Value); err != nil {
			c.fail(ctx, apperrors.ErrInvalidParameter.WithDetails("bet_money: %v", err))
			return
		}
		if event.Win, err = c.unit.Decode(req.Slot.WinMoney.Value); err != nil {
			c.fail(ctx, apperrors.ErrInvalidParameter.WithDetails("win_money: %v", err))
			return
		}
	} else if req.Method == engine.MethodTransaction {
		c.fail(ctx, apperrors.ErrInvalidParameter.WithDetails("slot is required"))
		return
	}

	result, err := c.engine.Handle(ctx.Request.Context(), event)
	if err != nil {
		c.fail(ctx, err)
		return
	}

	balance := c.unit.Encode(result.Balance)
	ctx.JSON(http.StatusOK, SeamlessResponse{Status: 1, UserBalance: &balance})
}

func (c *SeamlessController) fail(ctx *gin.Context, err error) {
	code := apperrors.Code(err)
	if !seamlessCodes[code] {
		logrus.WithError(err).WithField("path", ctx.Request.URL.Path).Error("Seamless callback failed")
		code = apperrors.CodeInternal
	}
	ctx.JSON(http.StatusOK, SeamlessResponse{Status: 0, Msg: code})
}
