package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ledger-api/internal/models"
	"ledger-api/internal/service"
)

const maxWebhookBody = 1 << 20

type WebhookController struct {
	webhooks service.WebhookService
	timeout  time.Duration
	dispatch func(func())
}

func NewWebhookController(webhooks service.WebhookService, timeout time.Duration) *WebhookController {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookController{
		webhooks: webhooks,
		timeout:  timeout,
		dispatch: func(fn func()) { go fn() },
	}
}

// @Summary PIX deposit webhook
// @Description Gateway status callback for cash-in orders. Acknowledged before processing.
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/webhooks/pix/deposit [post]
func (c *WebhookController) Deposit(ctx *gin.Context) {
	c.receive(ctx, models.WebhookKindDeposit, c.webhooks.ProcessDeposit)
}

// @Summary PIX withdrawal webhook
// @Description Gateway status callback for cash-out orders. Acknowledged before processing.
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/webhooks/pix/withdraw [post]
func (c *WebhookController) Withdraw(ctx *gin.Context) {
	c.receive(ctx, models.WebhookKindWithdraw, c.webhooks.ProcessWithdrawal)
}

func (c *WebhookController) receive(
	ctx *gin.Context,
	kind string,
	process func(context.Context, map[string]interface{}) *models.WebhookLog,
) {
	payload, err := decodePayload(ctx.Request.Body)
	if err != nil {
		// The gateway retries on non-2xx; a body we cannot read never gets better.
		logrus.WithFields(logrus.Fields{
			"kind":       kind,
			"request_id": requestid.Get(ctx),
			"error":      err.Error(),
		}).Warn("Discarding unreadable webhook body")
		ctx.JSON(http.StatusOK, gin.H{"status": "received"})
		return
	}

	detached := context.WithoutCancel(ctx.Request.Context())
	requestID := requestid.Get(ctx)
	c.dispatch(func() {
		// Nothing above this goroutine would recover a panic.
		defer func() {
			if r := recover(); r != nil {
				logrus.WithFields(logrus.Fields{
					"kind":       kind,
					"request_id": requestID,
					"panic":      fmt.Sprint(r),
					"stack":      string(debug.Stack()),
				}).Error("Webhook processing panicked")
			}
		}()

		runCtx, cancel := context.WithTimeout(detached, c.timeout)
		defer cancel()
		process(runCtx, payload)
	})

	ctx.JSON(http.StatusOK, gin.H{"status": "received"})
}

// decodePayload keeps numbers as json.Number so ids and amounts survive
// without float rounding.
func decodePayload(body io.Reader) (map[string]interface{}, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxWebhookBody))
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payload map[string]interface{}
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return payload, nil
}
