package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.CompareAndSwap(ctx, "k", 0, []byte("v1"), 0); err != nil {
		t.Fatalf("first CAS at version 0: %v", err)
	}

	v2, err := s.CompareAndSwap(ctx, "k", 1, []byte("v2"), 0)
	if err != nil {
		t.Fatalf("second CAS at version 1: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("expected version 2, got %d", v2)
	}

	_, err = s.CompareAndSwap(ctx, "k", 1, []byte("stale"), 0)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Current.Version != 2 {
		t.Fatalf("conflict should report current version 2, got %d", conflict.Current.Version)
	}
}

func TestMemoryStore_ZPopMax_PriorityThenMemberOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.ZAdd(ctx, "q", 10, "low-first")
	_ = s.ZAdd(ctx, "q", 10, "low-second")
	_ = s.ZAdd(ctx, "q", 20, "high")

	member, score, err := s.ZPopMax(ctx, "q")
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if member != "high" || score != 20 {
		t.Fatalf("expected high-priority member first, got %s/%v", member, score)
	}

	member, _, err = s.ZPopMax(ctx, "q")
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if member != "low-first" {
		t.Fatalf("expected lexicographic tie-break, got %s", member)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	if err := s.Put(ctx, "k", []byte("v"), 5*time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(10 * time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemoryStore_SetNX(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.SetNX(ctx, "dedup", []byte("1"), time.Hour)
	if err != nil || !ok {
		t.Fatalf("first SetNX should succeed: ok=%v err=%v", ok, err)
	}

	ok, err = s.SetNX(ctx, "dedup", []byte("2"), time.Hour)
	if err != nil || ok {
		t.Fatalf("second SetNX should fail: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_IncrByFloat(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	total, err := s.IncrByFloat(ctx, "budget", 12.5, time.Hour)
	if err != nil || total != 12.5 {
		t.Fatalf("first incr: total=%v err=%v", total, err)
	}

	total, err = s.IncrByFloat(ctx, "budget", 7.5, time.Hour)
	if err != nil || total != 20 {
		t.Fatalf("second incr: total=%v err=%v", total, err)
	}
}

func TestMemoryStore_IncrByFloatCapped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	total, ok, err := s.IncrByFloatCapped(ctx, "budget", 45, 50, time.Hour)
	if err != nil || !ok || total != 45 {
		t.Fatalf("first capped incr: total=%v ok=%v err=%v", total, ok, err)
	}

	// Would land at 53 > 50: refused, counter untouched.
	total, ok, err = s.IncrByFloatCapped(ctx, "budget", 8, 50, time.Hour)
	if err != nil || ok {
		t.Fatalf("over-cap incr should be refused: ok=%v err=%v", ok, err)
	}
	if total != 45 {
		t.Fatalf("refused incr must leave total unchanged, got %v", total)
	}

	// Exactly at the cap is allowed.
	total, ok, err = s.IncrByFloatCapped(ctx, "budget", 5, 50, time.Hour)
	if err != nil || !ok || total != 50 {
		t.Fatalf("at-cap incr: total=%v ok=%v err=%v", total, ok, err)
	}
}

func TestMemoryStore_FIFOList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.RPush(ctx, "hitl", []byte("a"))
	_ = s.RPush(ctx, "hitl", []byte("b"))

	v, err := s.LPop(ctx, "hitl")
	if err != nil || string(v) != "a" {
		t.Fatalf("expected FIFO order, got %s err=%v", v, err)
	}
}
