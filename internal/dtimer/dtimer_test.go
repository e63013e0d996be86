package dtimer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSplitKey(t *testing.T) {
	if id, warn := SplitKey("duel_abc"); id != "duel_abc" || warn {
		t.Errorf("Plain key mis-split: %q %v", id, warn)
	}
	if id, warn := SplitKey(WarnKey("duel_abc")); id != "duel_abc" || !warn {
		t.Errorf("Warn key mis-split: %q %v", id, warn)
	}
}

func TestPoll_FiresDueTimers(t *testing.T) {
	store := NewMemoryScoreStore()
	var fired []string
	var mu sync.Mutex
	svc := New(store, func(ctx context.Context, duelID string, warn bool) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, duelID)
	}, testLogger(), time.Second)

	now := time.Now()
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	svc.Schedule(ctx, "duel_due", -time.Second)
	svc.Schedule(ctx, "duel_future", time.Hour)

	svc.poll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "duel_due" {
		t.Errorf("Expected only duel_due to fire, got %v", fired)
	}

	// Fired timer is consumed.
	if _, ok, _ := store.Score(ctx, "duel_due"); ok {
		t.Error("Fired timer should be removed from the store")
	}
	if _, ok, _ := store.Score(ctx, "duel_future"); !ok {
		t.Error("Future timer should remain in the store")
	}
}

func TestPoll_AtMostOnceAcrossRacingPollers(t *testing.T) {
	store := NewMemoryScoreStore()
	var fires atomic.Int64
	handler := func(ctx context.Context, duelID string, warn bool) {
		fires.Add(1)
	}

	// Ten services sharing one store, all polling the same due timer. Only
	// the one that wins the conditional removal may fire.
	services := make([]*Service, 10)
	for i := range services {
		services[i] = New(store, handler, testLogger(), time.Second)
	}
	_ = store.Add(context.Background(), "duel_x", time.Now().Add(-time.Second).UnixMilli())

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(s *Service) {
			defer wg.Done()
			s.poll(context.Background())
		}(svc)
	}
	wg.Wait()

	if n := fires.Load(); n != 1 {
		t.Errorf("Expected exactly 1 fire, got %d", n)
	}
}

func TestCancel_RemovesBothTimers(t *testing.T) {
	store := NewMemoryScoreStore()
	svc := New(store, nil, testLogger(), time.Second)
	ctx := context.Background()

	svc.Schedule(ctx, "duel_x", time.Hour)
	svc.ScheduleWarning(ctx, "duel_x", 30*time.Minute)
	svc.Cancel(ctx, "duel_x")

	if _, ok, _ := store.Score(ctx, "duel_x"); ok {
		t.Error("Deadline timer should be cancelled")
	}
	if _, ok, _ := store.Score(ctx, WarnKey("duel_x")); ok {
		t.Error("Warning timer should be cancelled")
	}
}

func TestReschedule_ReplacesDeadlineAndWarning(t *testing.T) {
	store := NewMemoryScoreStore()
	svc := New(store, nil, testLogger(), time.Second)
	now := time.Now()
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	svc.Schedule(ctx, "duel_x", time.Minute)
	svc.Reschedule(ctx, "duel_x", 10*time.Minute, time.Minute)

	fireAt, ok, _ := store.Score(ctx, "duel_x")
	if !ok || fireAt != now.Add(10*time.Minute).UnixMilli() {
		t.Errorf("Deadline not rescheduled: ok=%v fireAt=%d", ok, fireAt)
	}
	warnAt, ok, _ := store.Score(ctx, WarnKey("duel_x"))
	if !ok || warnAt != now.Add(9*time.Minute).UnixMilli() {
		t.Errorf("Warning not rescheduled: ok=%v warnAt=%d", ok, warnAt)
	}
}

func TestRemainingTime(t *testing.T) {
	store := NewMemoryScoreStore()
	svc := New(store, nil, testLogger(), time.Second)
	now := time.Now()
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	svc.Schedule(ctx, "duel_x", 5*time.Minute)

	remaining, ok, err := svc.RemainingTime(ctx, "duel_x")
	if err != nil || !ok {
		t.Fatalf("RemainingTime failed: ok=%v err=%v", ok, err)
	}
	if remaining != 5*time.Minute {
		t.Errorf("Expected 5m remaining, got %v", remaining)
	}

	if _, ok, _ := svc.RemainingTime(ctx, "duel_absent"); ok {
		t.Error("Absent timer should report ok=false")
	}
}

// failingScoreStore simulates an unreachable backend.
type failingScoreStore struct {
	err error
}

func (f *failingScoreStore) Add(ctx context.Context, member string, fireAtMs int64) error {
	return f.err
}
func (f *failingScoreStore) Remove(ctx context.Context, member string) (bool, error) {
	return false, f.err
}
func (f *failingScoreStore) Score(ctx context.Context, member string) (int64, bool, error) {
	return 0, false, f.err
}
func (f *failingScoreStore) Due(ctx context.Context, maxMs int64, limit int) ([]string, error) {
	return nil, f.err
}

func TestSchedule_DegradesToNoopWhenStoreUnreachable(t *testing.T) {
	svc := New(&failingScoreStore{err: errors.New("connection refused")}, nil, testLogger(), time.Second)

	// Must not panic or block; the sweep is the fallback.
	svc.Schedule(context.Background(), "duel_x", time.Minute)
	svc.Cancel(context.Background(), "duel_x")
	svc.poll(context.Background())
}

func TestPoll_RecoversHandlerPanic(t *testing.T) {
	store := NewMemoryScoreStore()
	svc := New(store, func(ctx context.Context, duelID string, warn bool) {
		panic("handler exploded")
	}, testLogger(), time.Second)
	ctx := context.Background()

	svc.Schedule(ctx, "duel_a", -time.Second)
	svc.Schedule(ctx, "duel_b", -time.Second)

	// Both timers fire; the first panic must not kill the pass.
	svc.poll(ctx)

	if due, _ := store.Due(ctx, time.Now().Add(time.Hour).UnixMilli(), 10); len(due) != 0 {
		t.Errorf("Expected all timers consumed despite panics, remaining: %v", due)
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	store := NewMemoryScoreStore()
	var fires atomic.Int64
	svc := New(store, func(ctx context.Context, duelID string, warn bool) {
		fires.Add(1)
	}, testLogger(), 5*time.Millisecond)
	ctx := context.Background()

	svc.Schedule(ctx, "duel_x", 10*time.Millisecond)
	svc.Start(ctx)

	deadline := time.After(time.Second)
	for fires.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("Timer never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	svc.Stop()
}
