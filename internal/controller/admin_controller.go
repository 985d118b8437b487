package controller

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/middleware"
	"ledger-api/internal/models"
	"ledger-api/internal/service"
)

const defaultReconcileBatch = 100

type AdminController struct {
	adminService service.AdminService
	auditService service.AuditService
}

func NewAdminController(adminService service.AdminService, auditService service.AuditService) *AdminController {
	return &AdminController{
		adminService: adminService,
		auditService: auditService,
	}
}

type OverrideStatusResponse struct {
	Order    *models.PaymentOrder `json:"order"`
	Previous models.OrderStatus   `json:"previous_status"`
	Outcome  string               `json:"outcome"`
}

type ReconcileAllRequest struct {
	BatchSize int `json:"batch_size"`
}

// @Summary Override order status
// @Description Moves a payment order through the settlement engine as an admin. paid to failed or cancelled reverses the credit.
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Order ID"
// @Param request body service.OverrideStatusRequest true "Target status"
// @Success 200 {object} OverrideStatusResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/admin/orders/{id}/status [patch]
func (c *AdminController) OverrideStatus(ctx *gin.Context) {
	orderID, err := primitive.ObjectIDFromHex(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid order ID",
			Message: err.Error(),
		})
		return
	}

	var req service.OverrideStatusRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}
	req.OrderID = orderID
	req.AdminID = ctx.GetString(middleware.ContextUserID)

	result, err := c.adminService.OverrideStatus(ctx.Request.Context(), &req)
	if err != nil {
		respondError(ctx, "Failed to override status", err)
		return
	}

	ctx.JSON(http.StatusOK, OverrideStatusResponse{
		Order:    result.Order,
		Previous: result.Previous,
		Outcome:  result.Outcome,
	})
}

// @Summary Reconcile user
// @Description Recomputes a user's lifetime totals and raises any that lag
// @Tags admin
// @Produce json
// @Param userId path string true "User ID"
// @Success 200 {object} engine.ReconciliationResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/admin/reconcile/{userId} [post]
func (c *AdminController) ReconcileUser(ctx *gin.Context) {
	userID, err := primitive.ObjectIDFromHex(ctx.Param("userId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid user ID",
			Message: err.Error(),
		})
		return
	}

	result, err := c.adminService.ReconcileUser(ctx.Request.Context(), ctx.GetString(middleware.ContextUserID), userID)
	if err != nil {
		respondError(ctx, "Failed to reconcile user", err)
		return
	}

	ctx.JSON(http.StatusOK, result)
}

// @Summary Reconcile all users
// @Description Batch reconciliation over every active user
// @Tags admin
// @Accept json
// @Produce json
// @Param request body ReconcileAllRequest false "Batch options"
// @Success 200 {object} engine.BatchReconciliationResult
// @Security BearerAuth
// @Router /api/admin/reconcile [post]
func (c *AdminController) ReconcileAll(ctx *gin.Context) {
	var req ReconcileAllRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid request format",
				Message: err.Error(),
			})
			return
		}
	}
	if req.BatchSize <= 0 {
		req.BatchSize = defaultReconcileBatch
	}

	result, err := c.adminService.ReconcileAll(ctx.Request.Context(), ctx.GetString(middleware.ContextUserID), req.BatchSize)
	if err != nil {
		respondError(ctx, "Failed to reconcile users", err)
		return
	}

	ctx.JSON(http.StatusOK, result)
}

// @Summary Get reward settings
// @Tags admin
// @Produce json
// @Success 200 {object} models.RewardSettings
// @Security BearerAuth
// @Router /api/admin/settings/rewards [get]
func (c *AdminController) GetRewardSettings(ctx *gin.Context) {
	settings, err := c.adminService.GetRewardSettings(ctx.Request.Context())
	if err != nil {
		respondError(ctx, "Failed to get reward settings", err)
		return
	}
	ctx.JSON(http.StatusOK, settings)
}

// @Summary Update reward settings
// @Description Replaces VIP, chest and deposit bonus tiers
// @Tags admin
// @Accept json
// @Produce json
// @Param request body models.RewardSettings true "Reward settings"
// @Success 200 {object} models.RewardSettings
// @Failure 400 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/admin/settings/rewards [put]
func (c *AdminController) UpdateRewardSettings(ctx *gin.Context) {
	var settings models.RewardSettings
	if err := ctx.ShouldBindJSON(&settings); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}

	saved, err := c.adminService.UpdateRewardSettings(ctx.Request.Context(), ctx.GetString(middleware.ContextUserID), &settings)
	if err != nil {
		respondError(ctx, "Failed to update reward settings", err)
		return
	}
	ctx.JSON(http.StatusOK, saved)
}

// @Summary Webhook trail
// @Description Recorded gateway deliveries for one gateway transaction id
// @Tags admin
// @Produce json
// @Param transactionId path string true "Gateway transaction ID"
// @Param limit query int false "Max entries" default(50)
// @Success 200 {array} models.WebhookLog
// @Security BearerAuth
// @Router /api/admin/webhooks/{transactionId} [get]
func (c *AdminController) GetWebhookTrail(ctx *gin.Context) {
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid limit",
			Message: "limit must be between 1 and 500",
		})
		return
	}

	trail, err := c.auditService.GetWebhookTrail(ctx.Request.Context(), ctx.Param("transactionId"), limit)
	if err != nil {
		respondError(ctx, "Failed to get webhook trail", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction_id": ctx.Param("transactionId"),
		"entries":        trail,
	})
}
