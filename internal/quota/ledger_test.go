package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gatekeeper/pkg/logging"
)

func testTiers(t *testing.T) TierConfig {
	t.Helper()
	tc, err := LoadTierConfig()
	if err != nil {
		t.Fatalf("load tiers: %v", err)
	}
	return tc
}

func testLedger(t *testing.T, store CounterStore, mode FailMode) *Ledger {
	t.Helper()
	return NewLedger(store, testTiers(t), mode, nil, logging.NewLogger())
}

func TestCheckAndIncrementWithinLimit(t *testing.T) {
	l := testLedger(t, NewMemoryStore(), FailClosed)

	d, err := l.CheckAndIncrement(context.Background(), "t1", TierFree, WindowHourly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected first call to be allowed")
	}
	if d.Current != 1 || d.Remaining != 99 || d.Limit != 100 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if !d.ResetAt.After(time.Now()) {
		t.Fatalf("expected reset in the future, got %v", d.ResetAt)
	}
}

func TestQuotaExhaustionIsNotAnError(t *testing.T) {
	l := testLedger(t, NewMemoryStore(), FailClosed)
	ctx := context.Background()

	limit := testTiers(t).Limits(TierFree).HourlyCalls
	for i := int64(0); i < limit; i++ {
		d, err := l.CheckAndIncrement(ctx, "t1", TierFree, WindowHourly)
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: expected allowed, got %+v err=%v", i, d, err)
		}
	}

	d, err := l.CheckAndIncrement(ctx, "t1", TierFree, WindowHourly)
	if err != nil {
		t.Fatalf("exceedance must not be an error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected rejection past the limit")
	}
	if d.Current != limit || d.Remaining != 0 {
		t.Fatalf("rejected call must not mutate the counter: %+v", d)
	}
}

func TestStarterTierEndToEndBoundary(t *testing.T) {
	// starter is 500/hour: the 500th call is allowed with remaining=0,
	// the 501st is rejected with current=500.
	l := testLedger(t, NewMemoryStore(), FailClosed)
	ctx := context.Background()

	var last Decision
	for i := 0; i < 500; i++ {
		var err error
		last, err = l.CheckAndIncrement(ctx, "starter-tenant", TierStarter, WindowHourly)
		if err != nil || !last.Allowed {
			t.Fatalf("call %d: expected allowed", i+1)
		}
	}
	if last.Remaining != 0 || last.Current != 500 {
		t.Fatalf("500th call: expected remaining=0 current=500, got %+v", last)
	}

	d, err := l.CheckAndIncrement(ctx, "starter-tenant", TierStarter, WindowHourly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed || d.Current != 500 || d.Limit != 500 {
		t.Fatalf("501st call: expected rejection at 500/500, got %+v", d)
	}
}

func TestWindowResetBoundary(t *testing.T) {
	l := testLedger(t, NewMemoryStore(), FailClosed)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	limit := testTiers(t).Limits(TierFree).HourlyCalls
	for i := int64(0); i < limit; i++ {
		if d, _ := l.CheckAndIncrement(ctx, "t1", TierFree, WindowHourly); !d.Allowed {
			t.Fatalf("expected allowed while filling window")
		}
	}

	// Just before rollover: still rejected.
	l.now = func() time.Time { return base.Add(time.Hour - time.Second) }
	if d, _ := l.CheckAndIncrement(ctx, "t1", TierFree, WindowHourly); d.Allowed {
		t.Fatalf("expected rejection before window boundary")
	}

	// Just past rollover: counter lazily resets and the call is admitted.
	l.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	d, err := l.CheckAndIncrement(ctx, "t1", TierFree, WindowHourly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed || d.Current != 1 {
		t.Fatalf("expected fresh window after rollover, got %+v", d)
	}
}

func TestMonthlyWindowBoundary(t *testing.T) {
	l := testLedger(t, NewMemoryStore(), FailClosed)
	ctx := context.Background()

	l.now = func() time.Time { return time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC) }
	d, _ := l.CheckAndIncrement(ctx, "t1", TierFree, WindowMonthly)
	if !d.Allowed || !d.ResetAt.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected monthly reset boundary: %+v", d)
	}

	// Next calendar month starts a fresh counter.
	l.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 1, 0, time.UTC) }
	d, _ = l.CheckAndIncrement(ctx, "t1", TierFree, WindowMonthly)
	if d.Current != 1 {
		t.Fatalf("expected monthly counter to reset, got %+v", d)
	}
}

func TestConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	l := testLedger(t, NewMemoryStore(), FailClosed)
	ctx := context.Background()

	limit := testTiers(t).Limits(TierFree).HourlyCalls
	total := 2 * limit

	var admitted int64
	var wg sync.WaitGroup
	for i := int64(0); i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckAndIncrement(ctx, "t1", TierFree, WindowHourly)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if d.Current > limit {
				t.Errorf("observed count %d above limit %d", d.Current, limit)
			}
			if d.Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("expected exactly %d admitted, got %d", limit, admitted)
	}
}

// failingStore simulates an unreachable backend.
type failingStore struct{}

func (failingStore) IncrWithLimit(context.Context, string, WindowKind, time.Time, int64) (int64, bool, error) {
	return 0, false, ErrBackendUnavailable
}
func (failingStore) SetStorage(context.Context, string, float64) error { return ErrBackendUnavailable }
func (failingStore) GetStorage(context.Context, string) (float64, error) {
	return 0, ErrBackendUnavailable
}
func (failingStore) Snapshot(context.Context, string, time.Time, time.Time) (Usage, error) {
	return Usage{}, ErrBackendUnavailable
}

func TestBackendFailureRespectsFailMode(t *testing.T) {
	ctx := context.Background()

	open := testLedger(t, failingStore{}, FailOpen)
	d, err := open.CheckAndIncrement(ctx, "t1", TierFree, WindowHourly)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if !d.Allowed {
		t.Fatalf("fail-open must admit on backend failure")
	}

	closed := testLedger(t, failingStore{}, FailClosed)
	d, err = closed.CheckAndIncrement(ctx, "t1", TierFree, WindowHourly)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if d.Allowed {
		t.Fatalf("fail-closed must reject on backend failure")
	}
}

func TestCheckStorage(t *testing.T) {
	store := NewMemoryStore()
	l := testLedger(t, store, FailClosed)
	ctx := context.Background()

	// free tier: 1 GB limit
	ok, err := l.CheckStorage(ctx, "t1", TierFree, 0.5)
	if err != nil || !ok {
		t.Fatalf("expected storage headroom, got ok=%v err=%v", ok, err)
	}

	if err := l.ReportStorage(ctx, "t1", 0.9); err != nil {
		t.Fatalf("report storage: %v", err)
	}
	ok, err = l.CheckStorage(ctx, "t1", TierFree, 0.5)
	if err != nil || ok {
		t.Fatalf("expected storage rejection, got ok=%v err=%v", ok, err)
	}
}

func TestGetUsageSnapshotConsistency(t *testing.T) {
	store := NewMemoryStore()
	l := testLedger(t, store, FailClosed)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.CheckAndIncrement(ctx, "t1", TierStarter, WindowHourly); err != nil {
			t.Fatalf("increment: %v", err)
		}
		if _, err := l.CheckAndIncrement(ctx, "t1", TierStarter, WindowMonthly); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if err := l.ReportStorage(ctx, "t1", 2.5); err != nil {
		t.Fatalf("report storage: %v", err)
	}

	snap, err := l.GetUsageSnapshot(ctx, "t1", TierStarter)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Hourly.Current != 3 || snap.Monthly.Current != 3 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.Hourly.Limit != 500 || snap.Monthly.Limit != 100_000 {
		t.Fatalf("unexpected limits: %+v", snap)
	}
	if snap.Storage.CurrentGB != 2.5 || snap.Storage.LimitGB != 10 {
		t.Fatalf("unexpected storage: %+v", snap)
	}
}

func TestTierChangeAppliesOnNextCheck(t *testing.T) {
	l := testLedger(t, NewMemoryStore(), FailClosed)
	ctx := context.Background()

	limit := testTiers(t).Limits(TierFree).HourlyCalls
	for i := int64(0); i < limit; i++ {
		if d, _ := l.CheckAndIncrement(ctx, "t1", TierFree, WindowHourly); !d.Allowed {
			t.Fatalf("expected allowed while filling free window")
		}
	}
	if d, _ := l.CheckAndIncrement(ctx, "t1", TierFree, WindowHourly); d.Allowed {
		t.Fatalf("free tier should be exhausted")
	}

	// Upgrading the tenant immediately raises the effective limit
	// without resetting the consumed window.
	d, err := l.CheckAndIncrement(ctx, "t1", TierStarter, WindowHourly)
	if err != nil || !d.Allowed {
		t.Fatalf("expected starter limit to apply on next check: %+v err=%v", d, err)
	}
	if d.Current != limit+1 {
		t.Fatalf("expected consumed window to carry over, got %+v", d)
	}
}
