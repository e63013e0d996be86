package lease

import (
	"context"
	"sync"
	"time"
)

type memLease struct {
	ownerToken string
	expiresAt  time.Time
}

// MemoryStore is an in-process lease store for development mode and tests.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]memLease
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory lease store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]memLease),
		now:    time.Now,
	}
}

func (m *MemoryStore) Acquire(ctx context.Context, key, ownerToken string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && cur.expiresAt.After(now) && cur.ownerToken != ownerToken {
		return ErrLeaseBusy
	}
	m.leases[key] = memLease{ownerToken: ownerToken, expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, key, ownerToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[key]; ok && cur.ownerToken == ownerToken {
		delete(m.leases, key)
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
