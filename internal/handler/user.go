package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sheaf-ai/sheaf/server/internal/auth"
	appctx "github.com/sheaf-ai/sheaf/server/internal/context"
	"github.com/sheaf-ai/sheaf/server/internal/credit"
	"github.com/sheaf-ai/sheaf/server/internal/model"
)

// UserHandler handles user-related endpoints.
type UserHandler struct {
	userSvc auth.UserService
	credits credit.Service
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(userSvc auth.UserService, credits credit.Service) *UserHandler {
	return &UserHandler{
		userSvc: userSvc,
		credits: credits,
	}
}

// RegisterRoutes registers user routes on the identity-scoped api group.
// /sync and /balance serve both users and guests; the rest require an
// authenticated user and refuse guests with 401.
func (h *UserHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/sync", h.Sync)
	api.GET("/balance", h.MyBalance)
	api.GET("/me", h.Me)
	api.POST("/me/reset-key", h.ResetAPIKey)
	api.GET("/ledger", h.Ledger)
}

// requireUser returns the authenticated user or writes 401 for guests.
func requireUser(c *gin.Context) *auth.User {
	user := appctx.GetUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
	}
	return user
}

// ─────────────────────────────────────────────
// POST /api/v1/sync
// ─────────────────────────────────────────────

type SyncResponse struct {
	OwnerID string                 `json:"owner_id"`
	Balance int                    `json:"balance"`
	Status  credit.Status          `json:"status"`
	Grant   *credit.GrantResult    `json:"grant,omitempty"`
	Moved   *credit.TransferResult `json:"moved,omitempty"`
}

// Sync reconciles the caller's credit account and returns its state.
// Guests get their account vivified with the free allocation. Users
// get their pending signup grant applied and, when the device header
// is present, any guest balance carried over. Every step is
// idempotent, so clients call this freely on startup.
func (h *UserHandler) Sync(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := appctx.GetOwnerID(c)
	user := appctx.GetUser(c)

	resp := SyncResponse{OwnerID: ownerID}

	if user != nil {
		earlyAdopter := false
		if slots, err := h.credits.EarlyAdopterSlotsLeft(ctx); err == nil && slots > 0 {
			earlyAdopter = true
		}
		grant, err := h.credits.Grant(ctx, ownerID, user.ID, earlyAdopter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sync account"})
			return
		}
		resp.Grant = grant

		if deviceID := appctx.GetDeviceID(c); deviceID != "" {
			moved, err := h.credits.TransferGuestToUser(ctx, deviceID, user.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to transfer guest balance"})
				return
			}
			if moved.Transferred {
				resp.Moved = moved
			}
		}
	}

	acct, err := h.credits.InitializeAccount(ctx, ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve account"})
		return
	}

	resp.Balance = acct.PagesRemaining
	resp.Status = acct.Status
	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// GET /api/v1/balance
// ─────────────────────────────────────────────

type BalanceResponse struct {
	Balance int `json:"balance"`
}

// MyBalance returns the caller's remaining page credits.
// Works for guests and users alike.
func (h *UserHandler) MyBalance(c *gin.Context) {
	ownerID := appctx.GetOwnerID(c)

	acct, err := h.credits.InitializeAccount(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get balance"})
		return
	}

	c.JSON(http.StatusOK, BalanceResponse{
		Balance: acct.PagesRemaining,
	})
}

// ─────────────────────────────────────────────
// GET /api/v1/me
// ─────────────────────────────────────────────

// Me returns the authenticated user's profile with remaining credits.
func (h *UserHandler) Me(c *gin.Context) {
	user := requireUser(c)
	if user == nil {
		return
	}
	ctx := c.Request.Context()

	var balance int
	acct, err := h.credits.GetAccount(ctx, credit.UserOwnerID(user.ID))
	if err == nil {
		balance = acct.PagesRemaining
	}

	c.JSON(http.StatusOK, model.UserProfile{
		User:    user,
		Balance: balance,
	})
}

// ─────────────────────────────────────────────
// POST /api/v1/me/reset-key
// ─────────────────────────────────────────────

type ResetKeyResponse struct {
	APIKey string `json:"api_key"`
}

// ResetAPIKey regenerates the user's API key.
func (h *UserHandler) ResetAPIKey(c *gin.Context) {
	user := requireUser(c)
	if user == nil {
		return
	}

	updatedUser, err := h.userSvc.ResetAPIKey(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset api key"})
		return
	}

	c.JSON(http.StatusOK, ResetKeyResponse{
		APIKey: updatedUser.APIKey,
	})
}

// ─────────────────────────────────────────────
// GET /api/v1/ledger
// ─────────────────────────────────────────────

type LedgerResponse struct {
	Entries []credit.LedgerEntry `json:"entries"`
}

// Ledger returns the caller's credit transaction history, newest first.
// Query parameters: limit (default 50, max 200), offset.
func (h *UserHandler) Ledger(c *gin.Context) {
	ownerID := appctx.GetOwnerID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.credits.History(c.Request.Context(), ownerID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ledger"})
		return
	}

	c.JSON(http.StatusOK, LedgerResponse{Entries: entries})
}
