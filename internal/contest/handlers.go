package contest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veldtgames/duelarena/internal/validation"
)

// Handler provides HTTP endpoints for contest sessions.
type Handler struct {
	service *Service
}

// NewHandler creates a new contest handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up session routes. The caller identity middleware must
// run before these.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/duels/:id/session", h.GetSession)
	r.POST("/duels/:id/actions", h.RecordAction)
}

// GetSession handles GET /v1/duels/:id/session
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.service.GetSession(c.Request.Context(), c.Param("id"), c.GetString("characterID"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// RecordAction handles POST /v1/duels/:id/actions
func (h *Handler) RecordAction(c *gin.Context) {
	var req struct {
		Action json.RawMessage `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "action is required",
		})
		return
	}
	if len(req.Action) > validation.MaxActionSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "action_too_large",
			"message": "Action payload exceeds the size limit",
		})
		return
	}

	side, err := h.service.RecordAction(c.Request.Context(), c.Param("id"), c.GetString("characterID"), req.Action)
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"side": side})
}

func respondSessionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotParticipant):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAlreadyResolved):
		status = http.StatusConflict
		code = "already_resolved"
	case errors.Is(err, ErrInvalidAction):
		status = http.StatusBadRequest
		code = "invalid_action"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
