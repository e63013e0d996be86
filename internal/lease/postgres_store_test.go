//go:build integration

package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veldtgames/duelarena/internal/testutil"
)

func TestPostgresLease_AcquireAndRelease(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Acquire(ctx, "challenge:chr_a", "tok1", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := store.Acquire(ctx, "challenge:chr_a", "tok2", time.Minute); !errors.Is(err, ErrLeaseBusy) {
		t.Errorf("Expected ErrLeaseBusy, got %v", err)
	}

	// Same owner extends.
	if err := store.Acquire(ctx, "challenge:chr_a", "tok1", time.Minute); err != nil {
		t.Errorf("Holder re-acquire failed: %v", err)
	}

	// Foreign release is a no-op; matching release frees.
	if err := store.Release(ctx, "challenge:chr_a", "tok2"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := store.Acquire(ctx, "challenge:chr_a", "tok3", time.Minute); !errors.Is(err, ErrLeaseBusy) {
		t.Error("Foreign release should not free the lease")
	}
	if err := store.Release(ctx, "challenge:chr_a", "tok1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := store.Acquire(ctx, "challenge:chr_a", "tok3", time.Minute); err != nil {
		t.Errorf("Released lease should be claimable, got %v", err)
	}
}

func TestPostgresLease_ExpiredIsClaimable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Acquire(ctx, "challenge:chr_a", "tok1", 50*time.Millisecond); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := store.Acquire(ctx, "challenge:chr_a", "tok2", time.Minute); err != nil {
		t.Errorf("Expired lease should be claimable, got %v", err)
	}
}

func TestPostgresLease_SingleWinnerUnderContention(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := "tok" + string(rune('a'+i))
			if err := store.Acquire(ctx, "challenge:chr_a", token, time.Minute); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", winners)
	}
}
