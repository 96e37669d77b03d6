package quota

import (
	"context"
	"testing"
	"time"
)

func TestWindowKindStart(t *testing.T) {
	now := time.Date(2026, 7, 15, 13, 42, 31, 0, time.UTC)

	if got := WindowHourly.Start(now); !got.Equal(time.Date(2026, 7, 15, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("hourly start: got %v", got)
	}
	if got := WindowMonthly.Start(now); !got.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("monthly start: got %v", got)
	}
}

func TestWindowKindNext(t *testing.T) {
	hStart := time.Date(2026, 7, 15, 13, 0, 0, 0, time.UTC)
	if got := WindowHourly.Next(hStart); !got.Equal(hStart.Add(time.Hour)) {
		t.Fatalf("hourly next: got %v", got)
	}

	mStart := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	if got := WindowMonthly.Next(mStart); !got.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("monthly next across year: got %v", got)
	}
}

func TestMemoryStoreLazyRollover(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w1 := time.Date(2026, 7, 15, 13, 0, 0, 0, time.UTC)
	w2 := w1.Add(time.Hour)
	mStart := WindowMonthly.Start(w1)

	for i := 0; i < 5; i++ {
		if _, allowed, err := store.IncrWithLimit(ctx, "t1", WindowHourly, w1, 10); err != nil || !allowed {
			t.Fatalf("fill: allowed=%v err=%v", allowed, err)
		}
	}
	if usage, _ := store.Snapshot(ctx, "t1", w1, mStart); usage.Hourly != 5 {
		t.Fatalf("expected 5, got %d", usage.Hourly)
	}

	// A new window boundary resets the counter on the next write.
	count, allowed, err := store.IncrWithLimit(ctx, "t1", WindowHourly, w2, 10)
	if err != nil || !allowed || count != 1 {
		t.Fatalf("expected rollover to 1, got count=%d allowed=%v err=%v", count, allowed, err)
	}

	// The replaced window reads as zero.
	if usage, _ := store.Snapshot(ctx, "t1", w1, mStart); usage.Hourly != 0 {
		t.Fatalf("expected stale window to read 0, got %d", usage.Hourly)
	}
}

func TestMemoryStoreRejectsAtCeiling(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := time.Date(2026, 7, 15, 13, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		store.IncrWithLimit(ctx, "t1", WindowHourly, w, 3)
	}

	count, allowed, err := store.IncrWithLimit(ctx, "t1", WindowHourly, w, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed || count != 3 {
		t.Fatalf("expected rejection at ceiling without mutation, got count=%d allowed=%v", count, allowed)
	}
}

func TestMemoryStoreKeysAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := time.Date(2026, 7, 15, 13, 0, 0, 0, time.UTC)

	store.IncrWithLimit(ctx, "t1", WindowHourly, w, 10)
	store.IncrWithLimit(ctx, "t1", WindowMonthly, WindowMonthly.Start(w), 10)

	if usage, _ := store.Snapshot(ctx, "t2", w, WindowMonthly.Start(w)); usage.Hourly != 0 {
		t.Fatalf("tenant isolation violated")
	}
	usage, err := store.Snapshot(ctx, "t1", w, WindowMonthly.Start(w))
	if err != nil || usage.Hourly != 1 || usage.Monthly != 1 {
		t.Fatalf("expected counts 1/1, got hourly=%d monthly=%d err=%v", usage.Hourly, usage.Monthly, err)
	}
}

func TestMemoryStoreStorageGauge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if gb, err := store.GetStorage(ctx, "t1"); err != nil || gb != 0 {
		t.Fatalf("expected zero gauge, got %v err=%v", gb, err)
	}
	if err := store.SetStorage(ctx, "t1", 4.2); err != nil {
		t.Fatalf("set: %v", err)
	}
	if gb, _ := store.GetStorage(ctx, "t1"); gb != 4.2 {
		t.Fatalf("expected 4.2, got %v", gb)
	}
}
