package duel

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process duel store for development mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	duels map[string]*Duel
}

// NewMemoryStore creates a new in-memory duel store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{duels: make(map[string]*Duel)}
}

func (m *MemoryStore) Create(ctx context.Context, d *Duel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Pair uniqueness is unordered: A→B blocks B→A too.
	for _, existing := range m.duels {
		if existing.Status.Terminal() {
			continue
		}
		if samePair(existing, d) {
			return ErrDuplicateChallenge
		}
	}
	m.duels[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Duel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.duels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Duel, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.duels[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrStaleStatus
	}
	m.duels[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) ListByCharacter(ctx context.Context, characterID string, limit int) ([]*Duel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Duel
	for _, d := range m.duels {
		if d.HasParticipant(characterID) {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Duel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Duel
	for _, d := range m.duels {
		if d.Status.Terminal() || !d.ExpiresAt.Before(before) {
			continue
		}
		out = append(out, clone(d))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func samePair(a, b *Duel) bool {
	return (a.ChallengerID == b.ChallengerID && a.ChallengedID == b.ChallengedID) ||
		(a.ChallengerID == b.ChallengedID && a.ChallengedID == b.ChallengerID)
}

func clone(d *Duel) *Duel {
	c := *d
	if d.AcceptedAt != nil {
		t := *d.AcceptedAt
		c.AcceptedAt = &t
	}
	if d.StartedAt != nil {
		t := *d.StartedAt
		c.StartedAt = &t
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		c.CompletedAt = &t
	}
	if d.FinalScores != nil {
		s := *d.FinalScores
		c.FinalScores = &s
	}
	return &c
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
