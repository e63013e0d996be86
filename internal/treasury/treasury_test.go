package treasury

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newFundedService(t *testing.T, characterID string, gold int64) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store)
	if gold > 0 {
		if err := svc.Credit(context.Background(), characterID, gold, "seed"); err != nil {
			t.Fatalf("Credit failed: %v", err)
		}
	}
	return svc, store
}

// total returns spendable + escrowed across the given characters. The sum
// must stay constant through lock/unlock/settle.
func total(t *testing.T, svc *Service, ids ...string) int64 {
	t.Helper()
	var sum int64
	for _, id := range ids {
		bal, err := svc.GetBalance(context.Background(), id)
		if err != nil {
			t.Fatalf("GetBalance(%s) failed: %v", id, err)
		}
		sum += bal.Spendable + bal.Escrowed
	}
	return sum
}

func TestLock_MovesSpendableToEscrow(t *testing.T) {
	svc, _ := newFundedService(t, "chr_aaaa1111", 500)
	ctx := context.Background()

	if err := svc.Lock(ctx, "chr_aaaa1111", 200, "duel_x"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	bal, _ := svc.GetBalance(ctx, "chr_aaaa1111")
	if bal.Spendable != 300 || bal.Escrowed != 200 {
		t.Errorf("Expected 300/200, got %d/%d", bal.Spendable, bal.Escrowed)
	}
}

func TestLock_InsufficientFunds(t *testing.T) {
	svc, _ := newFundedService(t, "chr_aaaa1111", 100)
	ctx := context.Background()

	err := svc.Lock(ctx, "chr_aaaa1111", 101, "duel_x")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}

	// Failed lock must not move anything.
	bal, _ := svc.GetBalance(ctx, "chr_aaaa1111")
	if bal.Spendable != 100 || bal.Escrowed != 0 {
		t.Errorf("Balance mutated by failed lock: %d/%d", bal.Spendable, bal.Escrowed)
	}
}

func TestLock_RejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newFundedService(t, "chr_aaaa1111", 100)

	for _, amount := range []int64{0, -5} {
		if err := svc.Lock(context.Background(), "chr_aaaa1111", amount, "duel_x"); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Lock(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestUnlock_ReturnsStake(t *testing.T) {
	svc, _ := newFundedService(t, "chr_aaaa1111", 500)
	ctx := context.Background()

	if err := svc.Lock(ctx, "chr_aaaa1111", 200, "duel_x"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := svc.Unlock(ctx, "chr_aaaa1111", 200, "duel_x"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	bal, _ := svc.GetBalance(ctx, "chr_aaaa1111")
	if bal.Spendable != 500 || bal.Escrowed != 0 {
		t.Errorf("Expected 500/0 after round trip, got %d/%d", bal.Spendable, bal.Escrowed)
	}
}

func TestSettle_WinnerTakesPot(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	_ = svc.Credit(ctx, "chr_aaaa1111", 1000, "seed")
	_ = svc.Credit(ctx, "chr_bbbb2222", 1000, "seed")
	_ = svc.Lock(ctx, "chr_aaaa1111", 300, "duel_x")
	_ = svc.Lock(ctx, "chr_bbbb2222", 300, "duel_x")

	before := total(t, svc, "chr_aaaa1111", "chr_bbbb2222")

	if err := svc.Settle(ctx, "chr_aaaa1111", "chr_bbbb2222", 300, "duel_x"); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	loser, _ := svc.GetBalance(ctx, "chr_aaaa1111")
	winner, _ := svc.GetBalance(ctx, "chr_bbbb2222")
	if loser.Spendable != 700 || loser.Escrowed != 0 {
		t.Errorf("Loser: expected 700/0, got %d/%d", loser.Spendable, loser.Escrowed)
	}
	if winner.Spendable != 1300 || winner.Escrowed != 0 {
		t.Errorf("Winner: expected 1300/0, got %d/%d", winner.Spendable, winner.Escrowed)
	}

	if after := total(t, svc, "chr_aaaa1111", "chr_bbbb2222"); after != before {
		t.Errorf("Settle leaked gold: %d -> %d", before, after)
	}
}

func TestRestoreEscrow_IsAdditive(t *testing.T) {
	svc, _ := newFundedService(t, "chr_aaaa1111", 0)
	ctx := context.Background()

	// No prior balance record needed.
	if err := svc.RestoreEscrow(ctx, "chr_aaaa1111", 250, "duel_x"); err != nil {
		t.Fatalf("RestoreEscrow failed: %v", err)
	}

	bal, _ := svc.GetBalance(ctx, "chr_aaaa1111")
	if bal.Escrowed != 250 {
		t.Errorf("Expected escrowed 250, got %d", bal.Escrowed)
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	svc, _ := newFundedService(t, "chr_aaaa1111", 500)
	ctx := context.Background()

	_ = svc.Lock(ctx, "chr_aaaa1111", 100, "duel_x")
	_ = svc.Unlock(ctx, "chr_aaaa1111", 100, "duel_x")

	entries, err := svc.History(ctx, "chr_aaaa1111", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].Type != "escrow_unlock" || entries[2].Type != "credit" {
		t.Errorf("Wrong order: %s ... %s", entries[0].Type, entries[2].Type)
	}
	if entries[0].Reference != "duel_x" {
		t.Errorf("Expected reference duel_x, got %q", entries[0].Reference)
	}
}

func TestConcurrentLocks_NeverOverdraw(t *testing.T) {
	svc, _ := newFundedService(t, "chr_aaaa1111", 100)
	ctx := context.Background()

	// 100 gold, 20 racing locks of 10 each: exactly 10 can win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Lock(ctx, "chr_aaaa1111", 10, "duel_x"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("Expected exactly 10 successful locks, got %d", succeeded)
	}
	bal, _ := svc.GetBalance(ctx, "chr_aaaa1111")
	if bal.Spendable != 0 || bal.Escrowed != 100 {
		t.Errorf("Expected 0/100, got %d/%d", bal.Spendable, bal.Escrowed)
	}
}

func TestPartialSettleError_ReportsLegs(t *testing.T) {
	inner := errors.New("store went away")
	err := &PartialSettleError{LoserDebited: true, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("Expected Unwrap to expose the inner error")
	}
	var partial *PartialSettleError
	if !errors.As(error(err), &partial) || !partial.LoserDebited || partial.WinnerDebited {
		t.Errorf("Leg flags lost through errors.As: %+v", partial)
	}
}
