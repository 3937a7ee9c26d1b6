package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	appctx "github.com/sheaf-ai/sheaf/server/internal/context"
	"github.com/sheaf-ai/sheaf/server/internal/model"
	"github.com/sheaf-ai/sheaf/server/internal/node"
	"github.com/sheaf-ai/sheaf/server/internal/service"
	"github.com/sheaf-ai/sheaf/server/internal/store"
	"github.com/sheaf-ai/sheaf/server/internal/ws"
)

// Handler holds HTTP/WS endpoint handlers.
type Handler struct {
	svc        *service.DocumentService
	hub        *ws.Hub
	store      *store.Store
	workerAuth *node.Authenticator
	upgrader   websocket.Upgrader
}

// NewHandler creates the handler set.
func NewHandler(svc *service.DocumentService, hub *ws.Hub, store *store.Store, workerAuth *node.Authenticator) *Handler {
	return &Handler{
		svc:        svc,
		hub:        hub,
		store:      store,
		workerAuth: workerAuth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers the public, identity-scoped routes on the
// Gin engine. identityMiddleware resolves every request to a credit
// owner (API key or guest device); guests are first-class callers here.
func (h *Handler) RegisterRoutes(r *gin.Engine, identityMiddleware gin.HandlerFunc) {
	// ── Public endpoints (no auth) ──
	r.GET("/api/v1/health", h.Health)

	// ── WebSocket for AI workers (uses its own worker_id auth) ──
	r.GET("/ws", h.WebSocket)

	// ── Identity-scoped business endpoints (user or guest) ──
	api := r.Group("/api/v1")
	api.Use(identityMiddleware)
	{
		api.POST("/process", h.ProcessDocument)
	}
}

// ─────────────────────────────────────────────
// POST /api/v1/process
// ─────────────────────────────────────────────

// ProcessDocument handles document processing requests.
//
//	@Summary      Request AI document processing
//	@Description  Checks cache (unless force=true), collapses duplicate requests,
//	              dispatches to AI workers and returns the processed result.
//	              Page credits are charged only when a worker succeeds.
//	@Param        body  body  model.ProcessRequest  true  "Process request"
//	@Success      200   {object}  model.ProcessResponse
//	@Failure      400
//	@Failure      402   "Insufficient page credits"
//	@Failure      403   "Account on hold or suspended"
//	@Failure      500
//	@Router       /api/v1/process [post]
func (h *Handler) ProcessDocument(c *gin.Context) {
	var req model.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// OwnerID comes from the identity middleware, not the request body.
	ownerID := appctx.GetOwnerID(c)

	resp, err := h.svc.Process(c.Request.Context(), ownerID, &req)
	if err != nil {
		if errors.Is(err, service.ErrInsufficientBalance) {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, service.ErrAccountBlocked) {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// GET /ws  (AI worker WebSocket)
// ─────────────────────────────────────────────

// WebSocket upgrades the connection and registers the AI worker.
// Header: X-Auth-Token: <WorkerID>:<Signature>
// Signature is ED25519 signed WorkerID (Base64 encoded).
func (h *Handler) WebSocket(c *gin.Context) {
	authToken := c.GetHeader("X-Auth-Token")
	if authToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Auth-Token header required"})
		return
	}

	// Verify signature and extract WorkerID
	workerID, err := h.workerAuth.VerifyAuthToken(authToken)
	if err != nil {
		log.Printf("[handler] worker auth failed: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authentication token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[handler] websocket upgrade error: %v", err)
		return
	}

	// Register client and start listening
	client := ws.NewClient(workerID, conn, h.hub)
	client.Run(c.Request.Context())
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health returns basic server health info.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"connected_workers": h.hub.ClientCount(),
	})
}
