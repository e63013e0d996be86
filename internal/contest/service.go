package contest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/veldtgames/duelarena/internal/logging"
	"github.com/veldtgames/duelarena/internal/syncutil"
)

// Service records contest actions and signals the coordinator when a session
// is ready for resolution.
type Service struct {
	store    Store
	engine   Engine
	resolver Resolver
	locks    *syncutil.ContextShardedMutex
	now      func() time.Time
}

// NewService creates a contest service.
func NewService(store Store, engine Engine) *Service {
	return &Service{
		store:  store,
		engine: engine,
		locks:  syncutil.NewContextShardedMutex(),
		now:    time.Now,
	}
}

// SetResolver wires the resolution coordinator. Wired after construction
// because the coordinator depends on this service's store.
func (s *Service) SetResolver(r Resolver) { s.resolver = r }

// CreateSession creates the session for a duel entering play. Idempotent:
// creating an existing session is a no-op.
func (s *Service) CreateSession(ctx context.Context, duelID, challengerID, challengedID string) error {
	now := s.now()
	return s.store.Create(ctx, &Session{
		DuelID: duelID,
		Sides: map[string]*Side{
			challengerID: {},
			challengedID: {},
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// RecordAction applies one action to the caller's side. When the action
// resolves the side and the opponent already resolved, the session is handed
// to the resolution coordinator.
func (s *Service) RecordAction(ctx context.Context, duelID, callerID string, action json.RawMessage) (*Side, error) {
	// Per-duel serialization with cancellation: a caller that gives up while
	// queued behind a slow action does not hold the lock.
	unlock, err := s.locks.LockContext(ctx, duelID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.store.Get(ctx, duelID)
	if err != nil {
		return nil, err
	}
	side, ok := sess.Sides[callerID]
	if !ok {
		return nil, ErrNotParticipant
	}
	if side.Resolved {
		return nil, ErrAlreadyResolved
	}

	next, result, resolved, err := s.engine.Apply(ctx, side.State, action)
	if err != nil {
		return nil, err
	}
	side.State = next
	if resolved {
		side.Resolved = true
		side.Result = result
	}
	sess.UpdatedAt = s.now()

	if err := s.store.Update(ctx, sess); err != nil {
		return nil, err
	}

	if resolved && sess.BothResolved() && s.resolver != nil {
		// Resolution failure leaves the duel IN_PROGRESS; the deadline
		// timer forces it later. The action itself already committed.
		if err := s.resolver.Resolve(ctx, duelID, false); err != nil {
			logging.L(ctx).Error("resolution after final action failed, timeout will force it",
				"duel_id", duelID, "error", err)
		}
	}
	return side, nil
}

// GetSession returns the caller's view of a session.
func (s *Service) GetSession(ctx context.Context, duelID, callerID string) (*Session, error) {
	sess, err := s.store.Get(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if _, ok := sess.Sides[callerID]; !ok {
		return nil, ErrNotParticipant
	}
	return sess, nil
}
