package duel

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/veldtgames/duelarena/internal/lease"
	"github.com/veldtgames/duelarena/internal/treasury"
	"github.com/veldtgames/duelarena/internal/validation"
)

// Handler provides HTTP endpoints for duel operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new duel handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// CreateChallenge handles POST /v1/duels
func (h *Handler) CreateChallenge(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.ChallengerID = c.GetString("characterID")

	if errs := validation.Validate(
		validation.ValidCharacterID("challenged_id", req.ChallengedID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.CreateChallenge(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrValidation):
			status = http.StatusBadRequest
			code = "validation_error"
		case errors.Is(err, treasury.ErrInsufficientFunds):
			status = http.StatusConflict
			code = "insufficient_funds"
		case errors.Is(err, ErrDuplicateChallenge):
			status = http.StatusConflict
			code = "duplicate_challenge"
		case errors.Is(err, lease.ErrLeaseBusy):
			status = http.StatusTooManyRequests
			code = "lock_contention"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"duel": d})
}

// GetDuel handles GET /v1/duels/:id
func (h *Handler) GetDuel(c *gin.Context) {
	d, err := h.service.GetDuel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Duel not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"duel": d})
}

// AcceptChallenge handles POST /v1/duels/:id/accept
func (h *Handler) AcceptChallenge(c *gin.Context) {
	d, err := h.service.AcceptChallenge(c.Request.Context(), c.Param("id"), c.GetString("characterID"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"duel": d})
}

// DeclineChallenge handles POST /v1/duels/:id/decline
func (h *Handler) DeclineChallenge(c *gin.Context) {
	d, err := h.service.DeclineChallenge(c.Request.Context(), c.Param("id"), c.GetString("characterID"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"duel": d})
}

// CancelChallenge handles POST /v1/duels/:id/cancel
func (h *Handler) CancelChallenge(c *gin.Context) {
	d, err := h.service.CancelChallenge(c.Request.Context(), c.Param("id"), c.GetString("characterID"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"duel": d})
}

// StartContest handles POST /v1/duels/:id/start
func (h *Handler) StartContest(c *gin.Context) {
	d, err := h.service.StartContest(c.Request.Context(), c.Param("id"), c.GetString("characterID"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"duel": d})
}

// ListByCharacter handles GET /v1/characters/:id/duels
func (h *Handler) ListByCharacter(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	duels, err := h.service.ListByCharacter(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"duels": duels,
		"count": len(duels),
	})
}

func respondTransitionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrChallengeExpired):
		status = http.StatusConflict
		code = "challenge_expired"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStaleStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, treasury.ErrInsufficientFunds):
		status = http.StatusConflict
		code = "insufficient_funds"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
