// Package quota maintains per-tenant, per-window call counters and
// storage gauges, and answers whether a request fits the tenant's tier.
package quota

import (
	"context"
	"time"

	"gatekeeper/pkg/logging"
	"gatekeeper/pkg/resilience"
)

// Decision is the outcome of a quota check. Quota exceedance is a normal
// outcome, not an error: Allowed=false with a nil error means the tenant
// is simply out of quota.
type Decision struct {
	Allowed   bool
	QuotaType WindowKind
	Current   int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Ledger answers quota questions against a CounterStore.
type Ledger struct {
	store    CounterStore
	tiers    TierConfig
	failMode FailMode
	breaker  *resilience.CircuitBreaker
	logger   logging.Logger

	// now is swappable for window-boundary tests.
	now func() time.Time
}

// NewLedger wires a ledger. breaker may be nil for in-memory stores.
func NewLedger(store CounterStore, tiers TierConfig, failMode FailMode, breaker *resilience.CircuitBreaker, logger logging.Logger) *Ledger {
	return &Ledger{
		store:    store,
		tiers:    tiers,
		failMode: failMode,
		breaker:  breaker,
		logger:   logger,
		now:      time.Now,
	}
}

// callStore routes a store operation through the circuit breaker when
// one is configured.
func (l *Ledger) callStore(fn func() error) error {
	if l.breaker == nil {
		return fn()
	}
	return l.breaker.Call(fn)
}

// CheckAndIncrement consumes one call from the tenant's window if the
// tier limit allows it. The rollover-check-increment sequence is atomic
// per (tenant, window) key inside the store.
func (l *Ledger) CheckAndIncrement(ctx context.Context, tenantID string, tier Tier, kind WindowKind) (Decision, error) {
	limit := l.tiers.Limits(tier).CallLimit(kind)
	windowStart := kind.Start(l.now())

	decision := Decision{
		QuotaType: kind,
		Limit:     limit,
		ResetAt:   kind.Next(windowStart),
	}

	var count int64
	var allowed bool
	err := l.callStore(func() error {
		var innerErr error
		count, allowed, innerErr = l.store.IncrWithLimit(ctx, tenantID, kind, windowStart, limit)
		return innerErr
	})
	if err != nil {
		l.logger.WithFields(logging.Fields{
			"tenant_id": tenantID,
			"window":    kind,
			"fail_mode": l.failMode,
			"error":     err.Error(),
		}).Error("quota counter store unavailable")

		decision.Allowed = l.failMode == FailOpen
		decision.Remaining = limit
		return decision, ErrBackendUnavailable
	}

	decision.Allowed = allowed
	decision.Current = count
	decision.Remaining = limit - count
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	return decision, nil
}

// CheckStorage reports whether the tenant can take on additionalGB more
// storage. Read-mostly; no window logic.
func (l *Ledger) CheckStorage(ctx context.Context, tenantID string, tier Tier, additionalGB float64) (bool, error) {
	limitGB := l.tiers.Limits(tier).StorageGB

	var currentGB float64
	err := l.callStore(func() error {
		var innerErr error
		currentGB, innerErr = l.store.GetStorage(ctx, tenantID)
		return innerErr
	})
	if err != nil {
		l.logger.WithFields(logging.Fields{
			"tenant_id": tenantID,
			"fail_mode": l.failMode,
			"error":     err.Error(),
		}).Error("storage gauge unavailable")
		return l.failMode == FailOpen, ErrBackendUnavailable
	}

	return currentGB+additionalGB <= limitGB, nil
}

// ReportStorage replaces the tenant's storage gauge. Fed by out-of-band
// storage accounting events.
func (l *Ledger) ReportStorage(ctx context.Context, tenantID string, gb float64) error {
	return l.callStore(func() error {
		return l.store.SetStorage(ctx, tenantID, gb)
	})
}

// Snapshot is one tenant's usage across both call windows plus storage,
// with the tier limits applied.
type Snapshot struct {
	Hourly  Decision
	Monthly Decision
	Storage StorageSnapshot
}

// StorageSnapshot pairs the storage gauge with its tier limit.
type StorageSnapshot struct {
	CurrentGB float64
	LimitGB   float64
}

// GetUsageSnapshot returns a consistent point-in-time view of the
// tenant's usage for the self-service endpoint.
func (l *Ledger) GetUsageSnapshot(ctx context.Context, tenantID string, tier Tier) (Snapshot, error) {
	limits := l.tiers.Limits(tier)
	now := l.now()
	hourlyStart := WindowHourly.Start(now)
	monthlyStart := WindowMonthly.Start(now)

	var usage Usage
	err := l.callStore(func() error {
		var innerErr error
		usage, innerErr = l.store.Snapshot(ctx, tenantID, hourlyStart, monthlyStart)
		return innerErr
	})
	if err != nil {
		return Snapshot{}, ErrBackendUnavailable
	}

	return Snapshot{
		Hourly: Decision{
			QuotaType: WindowHourly,
			Current:   usage.Hourly,
			Limit:     limits.HourlyCalls,
			Remaining: max64(limits.HourlyCalls-usage.Hourly, 0),
			ResetAt:   WindowHourly.Next(hourlyStart),
		},
		Monthly: Decision{
			QuotaType: WindowMonthly,
			Current:   usage.Monthly,
			Limit:     limits.MonthlyCalls,
			Remaining: max64(limits.MonthlyCalls-usage.Monthly, 0),
			ResetAt:   WindowMonthly.Next(monthlyStart),
		},
		Storage: StorageSnapshot{
			CurrentGB: usage.StorageGB,
			LimitGB:   limits.StorageGB,
		},
	}, nil
}

// Features exposes the feature matrix for a tier, used by the usage
// endpoint response.
func (l *Ledger) Features(tier Tier) map[string]bool {
	return l.tiers.Limits(tier).Features
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
