package treasury

import (
	"context"
	"sync"
	"time"

	"github.com/veldtgames/duelarena/internal/idgen"
)

// MemoryStore is an in-memory treasury store for development mode and tests.
// All mutations happen under one mutex, so every operation is atomic with
// respect to concurrent callers in the same process.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	entries  []*Entry
}

// NewMemoryStore creates a new in-memory treasury store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, characterID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[characterID]
	if !ok {
		return &Balance{CharacterID: characterID}, nil
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, characterID string, amount int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(characterID)
	bal.Spendable += amount
	m.append(characterID, "credit", amount, ref)
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context, characterID string, amount int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(characterID)
	if bal.Spendable < amount {
		return ErrInsufficientFunds
	}
	bal.Spendable -= amount
	bal.Escrowed += amount
	m.append(characterID, "escrow_lock", amount, ref)
	return nil
}

func (m *MemoryStore) Unlock(ctx context.Context, characterID string, amount int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[characterID]
	if !ok {
		return ErrCharacterNotFound
	}
	if bal.Escrowed < amount {
		return ErrInvalidAmount
	}
	bal.Escrowed -= amount
	bal.Spendable += amount
	m.append(characterID, "escrow_unlock", amount, ref)
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, loserID, winnerID string, amount int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loser, ok := m.balances[loserID]
	if !ok {
		return ErrCharacterNotFound
	}
	winner, ok := m.balances[winnerID]
	if !ok {
		return ErrCharacterNotFound
	}
	if loser.Escrowed < amount || winner.Escrowed < amount {
		return ErrInvalidAmount
	}

	loser.Escrowed -= amount
	winner.Escrowed -= amount
	winner.Spendable += 2 * amount
	m.append(loserID, "settle_debit", amount, ref)
	m.append(winnerID, "settle_credit", 2*amount, ref)
	return nil
}

func (m *MemoryStore) RestoreEscrow(ctx context.Context, characterID string, amount int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(characterID)
	bal.Escrowed += amount
	m.append(characterID, "escrow_restore", amount, ref)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, characterID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].CharacterID == characterID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// balance returns the live balance record, creating a zero one if absent.
// Caller must hold the write lock.
func (m *MemoryStore) balance(characterID string) *Balance {
	bal, ok := m.balances[characterID]
	if !ok {
		bal = &Balance{CharacterID: characterID}
		m.balances[characterID] = bal
	}
	return bal
}

func (m *MemoryStore) append(characterID, entryType string, amount int64, ref string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("te_"),
		CharacterID: characterID,
		Type:        entryType,
		Amount:      amount,
		Reference:   ref,
		CreatedAtMs: time.Now().UnixMilli(),
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
