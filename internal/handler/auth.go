package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sheaf-ai/sheaf/server/internal/auth"
	"github.com/sheaf-ai/sheaf/server/internal/credit"
	"github.com/sheaf-ai/sheaf/server/internal/middleware"
)

// AuthHandler handles authentication endpoints.
//
// Registration and login also drive the credit side effects: the
// signup bonus grant and, when the client sends its device header,
// the guest-to-user balance transfer. Both are idempotent in the
// credit service, so retried requests cannot double-pay.
type AuthHandler struct {
	userSvc auth.UserService
	credits credit.Service
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(userSvc auth.UserService, credits credit.Service) *AuthHandler {
	return &AuthHandler{userSvc: userSvc, credits: credits}
}

// ─────────────────────────────────────────────
// POST /auth/register
// ─────────────────────────────────────────────

type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Nickname string `json:"nickname"`
}

type AuthResponse struct {
	User    *auth.User             `json:"user"`
	APIKey  string                 `json:"api_key"`
	Grant   *credit.GrantResult    `json:"grant,omitempty"`
	Balance int                    `json:"balance"`
	Moved   *credit.TransferResult `json:"moved,omitempty"` // guest balance carried over, if any
}

// Register handles user registration via email.
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.userSvc.Register(c.Request.Context(), req.Email, req.Password, req.Nickname)
	if err != nil {
		if errors.Is(err, auth.ErrEmailExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	resp := &AuthResponse{User: user, APIKey: user.APIKey}
	h.settleCredits(c, user, resp)

	c.JSON(http.StatusCreated, resp)
}

// ─────────────────────────────────────────────
// POST /auth/login
// ─────────────────────────────────────────────

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login handles user login via email + password.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.userSvc.LoginEmail(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	resp := &AuthResponse{User: user, APIKey: user.APIKey}
	h.settleCredits(c, user, resp)

	c.JSON(http.StatusOK, resp)
}

// settleCredits runs the idempotent credit side effects of an
// authentication event: the one-time signup grant (early-adopter
// rate while promotional slots remain) and the guest balance
// transfer when the device header is present. Failures here never
// fail the auth request; the next sync retries them.
func (h *AuthHandler) settleCredits(c *gin.Context, user *auth.User, resp *AuthResponse) {
	ctx := c.Request.Context()
	ownerID := credit.UserOwnerID(user.ID)

	earlyAdopter := false
	if slots, err := h.credits.EarlyAdopterSlotsLeft(ctx); err == nil && slots > 0 {
		earlyAdopter = true
	}

	grant, err := h.credits.Grant(ctx, ownerID, user.ID, earlyAdopter)
	if err != nil {
		log.Printf("[handler] signup grant failed user=%s: %v", user.ID, err)
	} else {
		resp.Grant = grant
	}

	if deviceID := c.GetHeader(middleware.DeviceIDHeader); deviceID != "" {
		moved, err := h.credits.TransferGuestToUser(ctx, deviceID, user.ID)
		if err != nil {
			log.Printf("[handler] guest transfer failed device=%s user=%s: %v", deviceID, user.ID, err)
		} else if moved.Transferred {
			resp.Moved = moved
		}
	}

	if acct, err := h.credits.GetAccount(ctx, ownerID); err == nil {
		resp.Balance = acct.PagesRemaining
	}
}

// RegisterRoutes registers auth routes on the Gin engine.
func (h *AuthHandler) RegisterRoutes(r *gin.Engine) {
	authGroup := r.Group("/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
	}
}
