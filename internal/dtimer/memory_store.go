package dtimer

import (
	"context"
	"sort"
	"sync"
)

// MemoryScoreStore is an in-process score store for development mode and
// tests. Timers do not survive restarts with this backend.
type MemoryScoreStore struct {
	mu     sync.Mutex
	scores map[string]int64
}

// NewMemoryScoreStore creates a new in-memory score store.
func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{scores: make(map[string]int64)}
}

func (m *MemoryScoreStore) Add(ctx context.Context, member string, fireAtMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[member] = fireAtMs
	return nil
}

func (m *MemoryScoreStore) Remove(ctx context.Context, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scores[member]; !ok {
		return false, nil
	}
	delete(m.scores, member)
	return true, nil
}

func (m *MemoryScoreStore) Score(ctx context.Context, member string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.scores[member]
	return score, ok, nil
}

func (m *MemoryScoreStore) Due(ctx context.Context, maxMs int64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type entry struct {
		member string
		score  int64
	}
	var due []entry
	for member, score := range m.scores {
		if score <= maxMs {
			due = append(due, entry{member, score})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].score < due[j].score })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	members := make([]string, len(due))
	for i, e := range due {
		members[i] = e.member
	}
	return members, nil
}

// Compile-time assertion that MemoryScoreStore implements ScoreStore.
var _ ScoreStore = (*MemoryScoreStore)(nil)
