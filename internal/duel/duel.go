// Package duel implements the wager duel state machine.
//
// Lifecycle:
//
//	PENDING → ACCEPTED → IN_PROGRESS → COMPLETED
//	PENDING → DECLINED | CANCELLED | EXPIRED
//	ACCEPTED → EXPIRED (play window elapsed before the contest started)
//
// Terminal duels are never deleted; they are retained as immutable audit
// records. Every transition commits through a conditional status update, so
// racing server processes cannot double-apply a transition.
package duel

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("duel: not found")
	ErrUnauthorized       = errors.New("duel: not authorized for this operation")
	ErrInvalidTransition  = errors.New("duel: invalid status for this operation")
	ErrChallengeExpired   = errors.New("duel: challenge has expired")
	ErrDuplicateChallenge = errors.New("duel: an active duel already exists between these characters")
	ErrValidation         = errors.New("duel: invalid challenge")
	ErrStaleStatus        = errors.New("duel: status changed concurrently")
)

// Type classifies a duel. Only WAGER duels move gold.
type Type string

const (
	TypeCasual Type = "CASUAL"
	TypeRanked Type = "RANKED"
	TypeWager  Type = "WAGER"
)

// Valid reports whether t is a known duel type.
func (t Type) Valid() bool {
	switch t {
	case TypeCasual, TypeRanked, TypeWager:
		return true
	}
	return false
}

// Status represents the state of a duel.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAccepted   Status = "ACCEPTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusDeclined   Status = "DECLINED"
	StatusExpired    Status = "EXPIRED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal returns true if the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Scores holds both parties' final contest scores.
type Scores struct {
	Challenger int `json:"challenger"`
	Challenged int `json:"challenged"`
}

// Duel is one wager between two characters.
type Duel struct {
	ID           string     `json:"id"`
	ChallengerID string     `json:"challengerId"`
	ChallengedID string     `json:"challengedId"`
	Type         Type       `json:"type"`
	WagerAmount  int64      `json:"wagerAmount"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"` // accept deadline while PENDING, play deadline after
	AcceptedAt   *time.Time `json:"acceptedAt,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	WinnerID     string     `json:"winnerId,omitempty"`
	FinalScores  *Scores    `json:"finalScores,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Resolution   string     `json:"resolution,omitempty"` // both_resolved, forced_timeout
}

// HasParticipant reports whether characterID is one of the duel's parties.
func (d *Duel) HasParticipant(characterID string) bool {
	return characterID == d.ChallengerID || characterID == d.ChallengedID
}

// Opponent returns the other party's ID, or "" if characterID is not a party.
func (d *Duel) Opponent(characterID string) string {
	switch characterID {
	case d.ChallengerID:
		return d.ChallengedID
	case d.ChallengedID:
		return d.ChallengerID
	}
	return ""
}

// Store persists duels.
//
// Create must atomically enforce the one-active-duel-per-pair rule (the pair
// is unordered). Update commits only when the duel's current status equals
// from; ErrStaleStatus otherwise. This conditional update is the sole
// cross-process synchronization point for the state machine.
type Store interface {
	Create(ctx context.Context, d *Duel) error
	Get(ctx context.Context, id string) (*Duel, error)
	Update(ctx context.Context, d *Duel, from Status) error
	ListByCharacter(ctx context.Context, characterID string, limit int) ([]*Duel, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Duel, error)
}
