package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sheaf-ai/sheaf/server/internal/admin"
	"github.com/sheaf-ai/sheaf/server/internal/auth"
	"github.com/sheaf-ai/sheaf/server/internal/credit"
)

// IdempotencyKeyHeader deduplicates retried admin mutations.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// AdminHandler handles admin-only endpoints. Mutations go through the
// admin action ledger, so every call must carry an idempotency key.
type AdminHandler struct {
	userSvc auth.UserService
	credits credit.Service
	actions admin.Service
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(userSvc auth.UserService, credits credit.Service, actions admin.Service) *AdminHandler {
	return &AdminHandler{
		userSvc: userSvc,
		credits: credits,
		actions: actions,
	}
}

// RegisterRoutes registers admin routes on the admin group.
func (h *AdminHandler) RegisterRoutes(adminGroup *gin.RouterGroup) {
	adminGroup.GET("/accounts/:owner_id", h.GetAccount)
	adminGroup.GET("/accounts/:owner_id/ledger", h.GetLedger)
	adminGroup.POST("/accounts/:owner_id/credits", h.AddCredits)
	adminGroup.POST("/accounts/:owner_id/debits", h.DeductCredits)
	adminGroup.PUT("/accounts/:owner_id/status", h.SetAccountStatus)
	adminGroup.GET("/actions/:key", h.GetAction)
}

// idempotencyKey extracts the required idempotency header, or writes
// a 400 and returns "".
func idempotencyKey(c *gin.Context) string {
	key := c.GetHeader(IdempotencyKeyHeader)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": IdempotencyKeyHeader + " header required"})
	}
	return key
}

// actorID identifies the calling administrator in the action ledger.
func actorID(c *gin.Context) string {
	if actor := c.GetHeader("X-Admin-Actor"); actor != "" {
		return actor
	}
	return "admin"
}

// writeResult maps an action outcome to an HTTP response. Replayed
// actions return 200; fresh ones 201; rejections 409.
func writeResult(c *gin.Context, res *admin.Result) {
	switch {
	case res.Action.Status == admin.StatusRejected:
		c.JSON(http.StatusConflict, res)
	case res.Replayed:
		c.JSON(http.StatusOK, res)
	default:
		c.JSON(http.StatusCreated, res)
	}
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/accounts/:owner_id
// ─────────────────────────────────────────────

type AccountResponse struct {
	Account *credit.Account `json:"account"`
	User    *auth.User      `json:"user,omitempty"` // present for user-owned accounts
}

// GetAccount retrieves a credit account by owner ID (admin-only).
// For user-owned accounts the user row is included.
func (h *AdminHandler) GetAccount(c *gin.Context) {
	ownerID := c.Param("owner_id")
	ctx := c.Request.Context()

	acct, err := h.credits.GetAccount(ctx, ownerID)
	if err != nil {
		if errors.Is(err, credit.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}

	resp := AccountResponse{Account: acct}
	if acct.UserID != "" {
		if user, err := h.userSvc.GetByID(ctx, acct.UserID); err == nil {
			resp.User = user
		}
	}

	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/accounts/:owner_id/ledger
// ─────────────────────────────────────────────

// GetLedger returns an account's transaction history (admin-only).
func (h *AdminHandler) GetLedger(c *gin.Context) {
	ownerID := c.Param("owner_id")

	entries, err := h.credits.History(c.Request.Context(), ownerID, 0, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ledger"})
		return
	}

	c.JSON(http.StatusOK, LedgerResponse{Entries: entries})
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/accounts/:owner_id/credits
// ─────────────────────────────────────────────

type AdjustCreditsRequest struct {
	Pages  int    `json:"pages" binding:"required,min=1"`
	Remark string `json:"remark"` // optional
}

// AddCredits adds page credits to an account (admin-only).
func (h *AdminHandler) AddCredits(c *gin.Context) {
	ownerID := c.Param("owner_id")
	key := idempotencyKey(c)
	if key == "" {
		return
	}

	var req AdjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.actions.AddCredits(c.Request.Context(), key, actorID(c), ownerID, req.Pages, req.Remark)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add credits"})
		return
	}

	writeResult(c, res)
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/accounts/:owner_id/debits
// ─────────────────────────────────────────────

// DeductCredits removes page credits from an account (admin-only).
// Rejected with 409 when the balance cannot absorb the deduction.
func (h *AdminHandler) DeductCredits(c *gin.Context) {
	ownerID := c.Param("owner_id")
	key := idempotencyKey(c)
	if key == "" {
		return
	}

	var req AdjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.actions.DeductCredits(c.Request.Context(), key, actorID(c), ownerID, req.Pages, req.Remark)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deduct credits"})
		return
	}

	writeResult(c, res)
}

// ─────────────────────────────────────────────
// PUT /api/v1/admin/accounts/:owner_id/status
// ─────────────────────────────────────────────

type SetAccountStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active on_hold suspended"`
	Remark string `json:"remark"`
}

// SetAccountStatus updates a credit account's status (admin-only).
// Valid statuses: active, on_hold, suspended.
func (h *AdminHandler) SetAccountStatus(c *gin.Context) {
	ownerID := c.Param("owner_id")
	key := idempotencyKey(c)
	if key == "" {
		return
	}

	var req SetAccountStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.actions.SetStatus(c.Request.Context(), key, actorID(c), ownerID, req.Status, req.Remark)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update status"})
		return
	}

	writeResult(c, res)
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/actions/:key
// ─────────────────────────────────────────────

// GetAction returns the recorded admin action for an idempotency key.
func (h *AdminHandler) GetAction(c *gin.Context) {
	action, err := h.actions.GetByKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, admin.ErrActionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load action"})
		return
	}

	c.JSON(http.StatusOK, action)
}
