package treasury

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for balances and audit history.
type Handler struct {
	service *Service
}

// NewHandler creates a new treasury handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up treasury routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/characters/:id/balance", h.GetBalance)
	r.GET("/characters/:id/history", h.GetHistory)
}

// GetBalance handles GET /v1/characters/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.service.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal, "currency": CurrencyGold})
}

// GetHistory handles GET /v1/characters/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	entries, err := h.service.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
