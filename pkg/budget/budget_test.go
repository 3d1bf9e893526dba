package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/store"
)

func TestLedger_PerTxCap(t *testing.T) {
	ctx := context.Background()
	ks := keyspace.New("t1")
	l := New(store.NewMemoryStore(), Limits{MaxDailySpendUSDC: 50, MaxPerTxUSDC: 10})

	err := l.Reserve(ctx, ks, "agent-1", 12, time.Now())
	if !errors.Is(err, ErrPerTxCapExceeded) {
		t.Fatalf("expected ErrPerTxCapExceeded, got %v", err)
	}
}

func TestLedger_DailyCap(t *testing.T) {
	ctx := context.Background()
	ks := keyspace.New("t1")
	backing := store.NewMemoryStore()
	l := New(backing, Limits{MaxDailySpendUSDC: 50, MaxPerTxUSDC: 10})
	now := time.Now()

	for i := 0; i < 5; i++ {
		if err := l.Reserve(ctx, ks, "agent-1", 9, now); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}

	err := l.Reserve(ctx, ks, "agent-1", 8, now)
	if !errors.Is(err, ErrDailyCapExceeded) {
		t.Fatalf("expected ErrDailyCapExceeded, got %v", err)
	}

	spent, err := l.SpentToday(ctx, ks, "agent-1", now)
	if err != nil {
		t.Fatalf("spent today: %v", err)
	}
	if spent != 45 {
		t.Fatalf("refused reservation must record no spend, ledger at %v", spent)
	}
}

func TestLedger_ReserveThenRelease(t *testing.T) {
	ctx := context.Background()
	ks := keyspace.New("t1")
	backing := store.NewMemoryStore()
	l := New(backing, Limits{MaxDailySpendUSDC: 50, MaxPerTxUSDC: 10})
	now := time.Now()

	if err := l.Reserve(ctx, ks, "agent-1", 8, now); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Release(ctx, ks, "agent-1", 5, now); err != nil {
		t.Fatalf("release: %v", err)
	}

	spent, err := l.SpentToday(ctx, ks, "agent-1", now)
	if err != nil {
		t.Fatalf("spent today: %v", err)
	}
	if spent != 3 {
		t.Fatalf("expected running total 3 after partial release, got %v", spent)
	}
}

func TestLedger_SeparateAgentsDoNotShareSpend(t *testing.T) {
	ctx := context.Background()
	ks := keyspace.New("t1")
	backing := store.NewMemoryStore()
	l := New(backing, Limits{MaxDailySpendUSDC: 50, MaxPerTxUSDC: 10})
	now := time.Now()

	for i := 0; i < 5; i++ {
		if err := l.Reserve(ctx, ks, "agent-1", 9, now); err != nil {
			t.Fatalf("reserve agent-1: %v", err)
		}
	}
	if err := l.Reserve(ctx, ks, "agent-2", 8, now); err != nil {
		t.Fatalf("agent-2 should be unaffected by agent-1's spend: %v", err)
	}
}

// TestLedger_ConcurrentReservesNeverExceedCap races many reservations
// against one (agent, day) counter: however the goroutines interleave, the
// granted total must stay within the daily cap. This is the property the
// old check-then-record split violated — two callers could both read the
// same pre-increment total and both write.
func TestLedger_ConcurrentReservesNeverExceedCap(t *testing.T) {
	ctx := context.Background()
	ks := keyspace.New("t1")
	backing := store.NewMemoryStore()
	l := New(backing, Limits{MaxDailySpendUSDC: 50, MaxPerTxUSDC: 10})
	now := time.Now()

	const attempts = 20
	const amount = 10.0

	var wg sync.WaitGroup
	granted := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(ctx, ks, "agent-1", amount, now); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	succeeded := 0
	for range granted {
		succeeded++
	}
	if succeeded != 5 {
		t.Fatalf("expected exactly 5 of %d reservations of %v to fit under the cap, got %d", attempts, amount, succeeded)
	}

	spent, err := l.SpentToday(ctx, ks, "agent-1", now)
	if err != nil {
		t.Fatalf("spent today: %v", err)
	}
	if spent > 50 {
		t.Fatalf("daily total %v exceeds the cap", spent)
	}
}
