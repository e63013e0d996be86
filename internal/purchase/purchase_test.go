package purchase

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v81"
)

const testSecret = "whsec_test_secret"

type creditCall struct {
	characterID string
	amount      int64
	ref         string
}

type mockTreasury struct {
	credits []creditCall
	err     error
}

func (m *mockTreasury) Credit(ctx context.Context, characterID string, amount int64, ref string) error {
	if m.err != nil {
		return m.err
	}
	m.credits = append(m.credits, creditCall{characterID, amount, ref})
	return nil
}

func setupWebhookRouter(t *testing.T) (*gin.Engine, *mockTreasury) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	treasury := &mockTreasury{}
	handler := NewHandler(treasury, testSecret)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	return r, treasury
}

// signedEvent builds an event payload with a valid Stripe-Signature header
// (t=<ts>,v1=<hmac-sha256 of "<ts>.<payload>">).
func signedEvent(t *testing.T, eventType string, object map[string]any) (body []byte, signature string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_test1",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("Marshal event: %v", err)
	}
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	header := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
	return payload, header
}

func postWebhook(router *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/purchases/stripe", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWebhook_CompletedCheckoutCreditsGold(t *testing.T) {
	router, treasury := setupWebhookRouter(t)

	body, sig := signedEvent(t, "checkout.session.completed", map[string]any{
		"id":           "cs_test1",
		"amount_total": 500, // cents
		"metadata":     map[string]string{"character_id": "chr_aaaa1111"},
	})

	w := postWebhook(router, body, sig)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if len(treasury.credits) != 1 {
		t.Fatalf("Expected 1 credit, got %d", len(treasury.credits))
	}
	credit := treasury.credits[0]
	if credit.characterID != "chr_aaaa1111" || credit.amount != 500*GoldPerCent || credit.ref != "cs_test1" {
		t.Errorf("Unexpected credit: %+v", credit)
	}
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	router, treasury := setupWebhookRouter(t)

	body, _ := signedEvent(t, "checkout.session.completed", map[string]any{
		"id":           "cs_test1",
		"amount_total": 500,
		"metadata":     map[string]string{"character_id": "chr_aaaa1111"},
	})

	w := postWebhook(router, body, "t=1,v1=deadbeef")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if len(treasury.credits) != 0 {
		t.Errorf("Unverified payload must not credit, got %v", treasury.credits)
	}
}

func TestWebhook_IgnoresOtherEventTypes(t *testing.T) {
	router, treasury := setupWebhookRouter(t)

	body, sig := signedEvent(t, "payment_intent.succeeded", map[string]any{"id": "pi_test1"})

	w := postWebhook(router, body, sig)
	if w.Code != http.StatusOK {
		t.Errorf("Unhandled events should be acknowledged, got %d", w.Code)
	}
	if len(treasury.credits) != 0 {
		t.Errorf("Unhandled event must not credit, got %v", treasury.credits)
	}
}

func TestWebhook_MissingCharacterMetadata(t *testing.T) {
	router, treasury := setupWebhookRouter(t)

	body, sig := signedEvent(t, "checkout.session.completed", map[string]any{
		"id":           "cs_test1",
		"amount_total": 500,
	})

	// Acknowledged so Stripe stops retrying; the failure is logged for ops.
	w := postWebhook(router, body, sig)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if len(treasury.credits) != 0 {
		t.Errorf("No character to credit, got %v", treasury.credits)
	}
}

func TestWebhook_CreditFailureMakesStripeRetry(t *testing.T) {
	router, treasury := setupWebhookRouter(t)
	treasury.err = context.DeadlineExceeded

	body, sig := signedEvent(t, "checkout.session.completed", map[string]any{
		"id":           "cs_test1",
		"amount_total": 500,
		"metadata":     map[string]string{"character_id": "chr_aaaa1111"},
	})

	w := postWebhook(router, body, sig)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 so Stripe retries, got %d", w.Code)
	}
}
