package contest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type recordingResolver struct {
	calls  []string
	forced []bool
	err    error
}

func (r *recordingResolver) Resolve(ctx context.Context, duelID string, forced bool) error {
	r.calls = append(r.calls, duelID)
	r.forced = append(r.forced, forced)
	return r.err
}

func newTestService(t *testing.T) (*Service, *recordingResolver) {
	t.Helper()
	svc := NewService(NewMemoryStore(), NewTurnEngine())
	resolver := &recordingResolver{}
	svc.SetResolver(resolver)
	return svc, resolver
}

func startSession(t *testing.T, svc *Service) string {
	t.Helper()
	if err := svc.CreateSession(context.Background(), "duel_x", "chr_aaaa1111", "chr_bbbb2222"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return "duel_x"
}

func TestCreateSession_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	duelID := startSession(t, svc)

	// Record a turn, then re-create. The existing session must survive.
	if _, err := svc.RecordAction(ctx, duelID, "chr_aaaa1111", json.RawMessage(`{"type":"turn","score":5}`)); err != nil {
		t.Fatalf("RecordAction failed: %v", err)
	}
	if err := svc.CreateSession(ctx, duelID, "chr_aaaa1111", "chr_bbbb2222"); err != nil {
		t.Fatalf("Re-create failed: %v", err)
	}

	sess, err := svc.GetSession(ctx, duelID, "chr_aaaa1111")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(sess.Sides["chr_aaaa1111"].State) == 0 {
		t.Error("Re-create wiped existing side state")
	}
}

func TestRecordAction_ParticipantsOnly(t *testing.T) {
	svc, _ := newTestService(t)
	duelID := startSession(t, svc)

	_, err := svc.RecordAction(context.Background(), duelID, "chr_cccc3333", json.RawMessage(`{"type":"finish"}`))
	if !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Expected ErrNotParticipant, got %v", err)
	}
}

func TestRecordAction_UnknownSession(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RecordAction(context.Background(), "duel_missing", "chr_aaaa1111", json.RawMessage(`{"type":"finish"}`))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestRecordAction_ResolvedSideIsFrozen(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	duelID := startSession(t, svc)

	if _, err := svc.RecordAction(ctx, duelID, "chr_aaaa1111", json.RawMessage(`{"type":"finish"}`)); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	_, err := svc.RecordAction(ctx, duelID, "chr_aaaa1111", json.RawMessage(`{"type":"turn","score":5}`))
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Expected ErrAlreadyResolved, got %v", err)
	}
}

func TestRecordAction_InvalidActionLeavesStateUntouched(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	duelID := startSession(t, svc)

	_, _ = svc.RecordAction(ctx, duelID, "chr_aaaa1111", json.RawMessage(`{"type":"turn","score":5}`))
	if _, err := svc.RecordAction(ctx, duelID, "chr_aaaa1111", json.RawMessage(`{"type":"warp"}`)); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("Expected ErrInvalidAction, got %v", err)
	}

	sess, _ := svc.GetSession(ctx, duelID, "chr_aaaa1111")
	var state struct {
		Turns int `json:"turns"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(sess.Sides["chr_aaaa1111"].State, &state); err != nil {
		t.Fatalf("Unmarshal side state: %v", err)
	}
	if state.Turns != 1 || state.Total != 5 {
		t.Errorf("Rejected action mutated state: %+v", state)
	}
}

func TestRecordAction_BothResolvedTriggersResolution(t *testing.T) {
	svc, resolver := newTestService(t)
	ctx := context.Background()
	duelID := startSession(t, svc)

	if _, err := svc.RecordAction(ctx, duelID, "chr_aaaa1111", json.RawMessage(`{"type":"finish"}`)); err != nil {
		t.Fatalf("First finish failed: %v", err)
	}
	if len(resolver.calls) != 0 {
		t.Fatal("One resolved side must not trigger resolution")
	}

	if _, err := svc.RecordAction(ctx, duelID, "chr_bbbb2222", json.RawMessage(`{"type":"forfeit"}`)); err != nil {
		t.Fatalf("Second finish failed: %v", err)
	}
	if len(resolver.calls) != 1 || resolver.calls[0] != duelID {
		t.Fatalf("Expected resolution for %s, got %v", duelID, resolver.calls)
	}
	if resolver.forced[0] {
		t.Error("Player-driven resolution must not be forced")
	}
}

func TestRecordAction_ResolverFailureDoesNotFailAction(t *testing.T) {
	svc, resolver := newTestService(t)
	ctx := context.Background()
	duelID := startSession(t, svc)
	resolver.err = errors.New("coordinator down")

	_, _ = svc.RecordAction(ctx, duelID, "chr_aaaa1111", json.RawMessage(`{"type":"finish"}`))
	side, err := svc.RecordAction(ctx, duelID, "chr_bbbb2222", json.RawMessage(`{"type":"finish"}`))
	if err != nil {
		t.Fatalf("Action must commit even when resolution fails: %v", err)
	}
	if !side.Resolved {
		t.Error("Side should be resolved")
	}
}

func TestGetSession_ParticipantsOnly(t *testing.T) {
	svc, _ := newTestService(t)
	duelID := startSession(t, svc)

	if _, err := svc.GetSession(context.Background(), duelID, "chr_cccc3333"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Expected ErrNotParticipant, got %v", err)
	}
}
