package duel

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *testDeps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, deps := newTestService(t)
	handler := NewHandler(svc)

	r := gin.New()
	// Test stand-in for the identity middleware: trust the header directly.
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Character-ID"); id != "" {
			c.Set("characterID", id)
		}
		c.Next()
	})

	v1 := r.Group("/v1")
	v1.POST("/duels", handler.CreateChallenge)
	v1.GET("/duels/:id", handler.GetDuel)
	v1.POST("/duels/:id/accept", handler.AcceptChallenge)
	v1.POST("/duels/:id/decline", handler.DeclineChallenge)
	v1.POST("/duels/:id/cancel", handler.CancelChallenge)
	v1.POST("/duels/:id/start", handler.StartContest)
	v1.GET("/characters/:id/duels", handler.ListByCharacter)

	return r, deps
}

func doJSON(router *gin.Engine, method, path, characterID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if characterID != "" {
		req.Header.Set("X-Character-ID", characterID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createdDuelID(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Duel struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"duel"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal response: %v (%s)", err, w.Body.String())
	}
	return resp.Duel.ID
}

func TestHandler_CreateAndGetDuel(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/duels", "chr_aaaa1111", gin.H{
		"challengedId": "chr_bbbb2222",
		"type":         "WAGER",
		"wagerAmount":  100,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	duelID := createdDuelID(t, w)

	w = doJSON(router, "GET", "/v1/duels/"+duelID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Duel struct {
			Status       string `json:"status"`
			ChallengerID string `json:"challengerId"`
			WagerAmount  int64  `json:"wagerAmount"`
		} `json:"duel"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Duel.Status != "PENDING" || resp.Duel.ChallengerID != "chr_aaaa1111" || resp.Duel.WagerAmount != 100 {
		t.Errorf("Unexpected duel payload: %+v", resp.Duel)
	}
}

func TestHandler_CreateRejectsBadChallengedID(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/duels", "chr_aaaa1111", gin.H{
		"challengedId": "not-a-character",
		"type":         "CASUAL",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "validation_error" {
		t.Errorf("Expected validation_error, got %s", resp.Error)
	}
}

func TestHandler_DuplicateChallengeConflicts(t *testing.T) {
	router, _ := setupTestRouter(t)

	body := gin.H{"challengedId": "chr_bbbb2222", "type": "CASUAL"}
	if w := doJSON(router, "POST", "/v1/duels", "chr_aaaa1111", body); w.Code != http.StatusCreated {
		t.Fatalf("First create: expected 201, got %d", w.Code)
	}

	w := doJSON(router, "POST", "/v1/duels", "chr_aaaa1111", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "duplicate_challenge" {
		t.Errorf("Expected duplicate_challenge, got %s", resp.Error)
	}
}

func TestHandler_AcceptDeclineAuthorization(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/duels", "chr_aaaa1111", gin.H{
		"challengedId": "chr_bbbb2222",
		"type":         "CASUAL",
	})
	duelID := createdDuelID(t, w)

	// Challenger cannot accept their own challenge.
	if w := doJSON(router, "POST", "/v1/duels/"+duelID+"/accept", "chr_aaaa1111", nil); w.Code != http.StatusForbidden {
		t.Errorf("Self-accept: expected 403, got %d", w.Code)
	}

	// Challenged party accepts.
	if w := doJSON(router, "POST", "/v1/duels/"+duelID+"/accept", "chr_bbbb2222", nil); w.Code != http.StatusOK {
		t.Errorf("Accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Declining an ACCEPTED duel is an invalid state.
	w = doJSON(router, "POST", "/v1/duels/"+duelID+"/decline", "chr_bbbb2222", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Decline after accept: expected 409, got %d", w.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "invalid_state" {
		t.Errorf("Expected invalid_state, got %s", resp.Error)
	}
}

func TestHandler_StartAfterAccept(t *testing.T) {
	router, deps := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/duels", "chr_aaaa1111", gin.H{
		"challengedId": "chr_bbbb2222",
		"type":         "WAGER",
		"wagerAmount":  50,
	})
	duelID := createdDuelID(t, w)

	doJSON(router, "POST", "/v1/duels/"+duelID+"/accept", "chr_bbbb2222", nil)
	if w := doJSON(router, "POST", "/v1/duels/"+duelID+"/start", "chr_bbbb2222", nil); w.Code != http.StatusOK {
		t.Fatalf("Start: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if len(deps.sessions.created) != 1 {
		t.Errorf("Expected a contest session, got %v", deps.sessions.created)
	}
}

func TestHandler_GetUnknownDuel(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "GET", "/v1/duels/duel_missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_ListByCharacter(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/duels", "chr_aaaa1111", gin.H{
		"challengedId": "chr_bbbb2222",
		"type":         "CASUAL",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create: expected 201, got %d", w.Code)
	}

	w = doJSON(router, "GET", "/v1/characters/chr_bbbb2222/duels", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("List: expected 200, got %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Errorf("Expected 1 duel, got %d", resp.Count)
	}
}
