// Package treasury tracks character gold balances and escrows duel stakes.
//
// Flow:
//  1. Challenge created → challenger's stake moved: spendable → escrowed
//  2. Challenge accepted → challenged party's stake locked the same way
//  3. Duel resolved → Settle moves the full pot to the winner's spendable
//  4. Decline/cancel/expire → Unlock returns the stake(s) to spendable
//
// Balances are the only mutable shared resource in the system, and they are
// never mutated outside Lock, Unlock, Settle, RestoreEscrow, and Credit.
package treasury

import (
	"context"
	"errors"
	"fmt"

	"github.com/veldtgames/duelarena/internal/traces"
)

var (
	ErrInsufficientFunds = errors.New("treasury: insufficient spendable balance")
	ErrCharacterNotFound = errors.New("treasury: character not found")
	ErrInvalidAmount     = errors.New("treasury: invalid amount")
)

// CurrencyGold is the single authoritative currency tag. The legacy dual
// balance representation is a read-only migration shim outside this service.
const CurrencyGold = "gold"

// Balance is a character's gold position. Spendable gold can back new wagers;
// escrowed gold is committed to duels that have not reached a terminal status.
type Balance struct {
	CharacterID string `json:"characterId"`
	Spendable   int64  `json:"spendable"`
	Escrowed    int64  `json:"escrowed"`
}

// Entry is one append-only audit row. The double-entry bookkeeping format
// lives in the platform ledger; this service only appends.
type Entry struct {
	ID          string `json:"id"`
	CharacterID string `json:"characterId"`
	Type        string `json:"type"` // credit, escrow_lock, escrow_unlock, settle_debit, settle_credit, escrow_restore
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference,omitempty"` // duel ID
	CreatedAtMs int64  `json:"createdAtMs"`
}

// PartialSettleError reports which legs of a settle were applied before the
// operation failed. The resolution coordinator compensates exactly the
// applied legs.
type PartialSettleError struct {
	LoserDebited  bool
	WinnerDebited bool
	Err           error
}

func (e *PartialSettleError) Error() string {
	return fmt.Sprintf("treasury: settle partially applied (loser=%v winner=%v): %v",
		e.LoserDebited, e.WinnerDebited, e.Err)
}

func (e *PartialSettleError) Unwrap() error { return e.Err }

// Store persists balances and audit entries.
//
// Lock must be a single conditional read-modify-write against the store:
// the spendable >= amount check and the mutation commit together or not at
// all. Settle must debit both escrows and credit the winner atomically where
// the backing store supports transactions; a store that cannot guarantee
// atomicity reports applied legs via *PartialSettleError.
type Store interface {
	GetBalance(ctx context.Context, characterID string) (*Balance, error)
	Credit(ctx context.Context, characterID string, amount int64, ref string) error
	Lock(ctx context.Context, characterID string, amount int64, ref string) error
	Unlock(ctx context.Context, characterID string, amount int64, ref string) error
	Settle(ctx context.Context, loserID, winnerID string, amount int64, ref string) error
	RestoreEscrow(ctx context.Context, characterID string, amount int64, ref string) error
	History(ctx context.Context, characterID string, limit int) ([]*Entry, error)
}

// Service wraps a Store with validation and instrumentation.
type Service struct {
	store Store
}

// NewService creates a treasury service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetBalance returns a character's current balance.
func (s *Service) GetBalance(ctx context.Context, characterID string) (*Balance, error) {
	return s.store.GetBalance(ctx, characterID)
}

// Credit adds spendable gold. Purchases and deposits are the one path that
// mints gold instead of conserving it.
func (s *Service) Credit(ctx context.Context, characterID string, amount int64, ref string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	defer observeOp("credit")()
	return s.store.Credit(ctx, characterID, amount, ref)
}

// Lock escrows a duel stake. Fails with ErrInsufficientFunds when the
// spendable balance cannot cover the amount at the moment of the attempt.
func (s *Service) Lock(ctx context.Context, characterID string, amount int64, ref string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "treasury.Lock",
		traces.CharacterID(characterID), traces.Amount(amount))
	defer span.End()
	defer observeOp("lock")()
	if err := s.store.Lock(ctx, characterID, amount, ref); err != nil {
		return err
	}
	goldEscrowed.Add(float64(amount))
	return nil
}

// Unlock reverses a lock (escrow → spendable). Used on decline, cancel,
// expire, and compensating rollback.
func (s *Service) Unlock(ctx context.Context, characterID string, amount int64, ref string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	defer observeOp("unlock")()
	return s.store.Unlock(ctx, characterID, amount, ref)
}

// Settle resolves a duel's escrow: the loser forfeits amount, and the winner
// receives the full pot (2 × amount) as spendable gold, leaving both escrow
// contributions at zero.
func (s *Service) Settle(ctx context.Context, loserID, winnerID string, amount int64, ref string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "treasury.Settle",
		traces.CharacterID(winnerID), traces.Amount(amount))
	defer span.End()
	defer observeOp("settle")()
	if err := s.store.Settle(ctx, loserID, winnerID, amount, ref); err != nil {
		return err
	}
	goldSettled.Add(float64(2 * amount))
	return nil
}

// RestoreEscrow unconditionally adds amount back to a character's escrow.
// Compensation-only: callers must know the corresponding debit was applied.
func (s *Service) RestoreEscrow(ctx context.Context, characterID string, amount int64, ref string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	defer observeOp("restore_escrow")()
	return s.store.RestoreEscrow(ctx, characterID, amount, ref)
}

// History returns recent audit entries for a character.
func (s *Service) History(ctx context.Context, characterID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, characterID, limit)
}
