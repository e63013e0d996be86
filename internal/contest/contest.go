// Package contest holds the per-duel game sessions both parties play in.
//
// A session exists only while its duel is IN_PROGRESS. Side state is an
// opaque JSON blob owned by the game engine; this package stores it, checks
// participation, and signals the resolution coordinator once both sides have
// resolved. Scoring rules live behind the Engine interface.
package contest

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("contest: session not found")
	ErrNotParticipant  = errors.New("contest: character is not a participant")
	ErrAlreadyResolved = errors.New("contest: side already resolved")
	ErrInvalidAction   = errors.New("contest: invalid action")
)

// Result is a side's final outcome.
type Result struct {
	Score int    `json:"score"`
	Label string `json:"label"` // score, forfeit
}

// Side is one participant's half of a session.
type Side struct {
	State    json.RawMessage `json:"state,omitempty"`
	Resolved bool            `json:"resolved"`
	Result   *Result         `json:"result,omitempty"`
}

// Session is the 1:1 game state for an in-progress duel.
type Session struct {
	DuelID    string           `json:"duelId"`
	Sides     map[string]*Side `json:"sides"` // keyed by character ID
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// BothResolved reports whether every side has a final result.
func (s *Session) BothResolved() bool {
	for _, side := range s.Sides {
		if !side.Resolved {
			return false
		}
	}
	return len(s.Sides) > 0
}

// Store persists sessions. Create must be idempotent per duel ID so a racing
// double-start leaves exactly one session.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, duelID string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, duelID string) error
}

// Engine applies one action to a side's opaque state. resolved reports that
// the side reached a final result; result is non-nil iff resolved.
type Engine interface {
	Apply(ctx context.Context, prior json.RawMessage, action json.RawMessage) (next json.RawMessage, result *Result, resolved bool, err error)
}

// Resolver is notified when both sides of a session have resolved.
type Resolver interface {
	Resolve(ctx context.Context, duelID string, forced bool) error
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, duelID string, forced bool) error

func (f ResolverFunc) Resolve(ctx context.Context, duelID string, forced bool) error {
	return f(ctx, duelID, forced)
}
