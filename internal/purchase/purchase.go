// Package purchase turns completed Stripe checkouts into gold credits.
//
// This is the only path that mints spendable gold. Everything downstream of
// it conserves: wagers move gold between spendable and escrow, settlement
// moves it between characters.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/veldtgames/duelarena/internal/logging"
	"github.com/veldtgames/duelarena/internal/validation"
)

// ErrBadSignature indicates the webhook payload failed signature verification.
var ErrBadSignature = errors.New("purchase: invalid webhook signature")

// GoldPerCent is the exchange rate applied to checkout totals.
const GoldPerCent = 10

// Treasury is the slice of the treasury service purchases need.
type Treasury interface {
	Credit(ctx context.Context, characterID string, amount int64, ref string) error
}

// Handler receives Stripe webhooks and credits balances.
type Handler struct {
	treasury      Treasury
	webhookSecret string
}

// NewHandler creates a purchase webhook handler.
func NewHandler(treasury Treasury, webhookSecret string) *Handler {
	return &Handler{treasury: treasury, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up the webhook route. No caller identity middleware:
// Stripe authenticates via the signature header.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases/stripe", h.HandleWebhook)
}

// HandleWebhook handles POST /v1/purchases/stripe
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, validation.MaxRequestSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		logging.L(c.Request.Context()).Warn("stripe signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	if event.Type != "checkout.session.completed" {
		// Acknowledge everything else so Stripe stops retrying.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	characterID := session.Metadata["character_id"]
	if !validation.IsValidCharacterID(characterID) {
		logging.L(c.Request.Context()).Error("checkout session missing character metadata",
			"session_id", session.ID)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	gold := session.AmountTotal * GoldPerCent
	if gold <= 0 {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	// Ref is the checkout session ID, so replayed webhooks are traceable in
	// the audit history.
	if err := h.treasury.Credit(c.Request.Context(), characterID, gold, session.ID); err != nil {
		logging.L(c.Request.Context()).Error("gold credit failed", "session_id", session.ID, "error", err)
		// Non-2xx makes Stripe retry the delivery.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credit_failed"})
		return
	}

	logging.L(c.Request.Context()).Info("purchase credited",
		"character_id", characterID, "gold", gold, "session_id", session.ID)
	c.JSON(http.StatusOK, gin.H{"received": true})
}
