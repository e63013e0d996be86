package contest

import (
	"context"
	"sync"
)

// MemoryStore is an in-process session store for development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.DuelID]; ok {
		return nil
	}
	m.sessions[s.DuelID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, duelID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[duelID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.DuelID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[s.DuelID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, duelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, duelID)
	return nil
}

func cloneSession(s *Session) *Session {
	c := *s
	c.Sides = make(map[string]*Side, len(s.Sides))
	for id, side := range s.Sides {
		sc := *side
		if side.State != nil {
			sc.State = append([]byte(nil), side.State...)
		}
		if side.Result != nil {
			r := *side.Result
			sc.Result = &r
		}
		c.Sides[id] = &sc
	}
	return &c
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
