package quota

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBackendUnavailable signals that the shared counter store could not
// be reached. The ledger resolves it via the configured FailMode; it is
// never surfaced to tenants directly.
var ErrBackendUnavailable = errors.New("quota counter store unavailable")

// WindowKind selects the quota window.
type WindowKind string

const (
	WindowHourly  WindowKind = "hourly"
	WindowMonthly WindowKind = "monthly"
)

// Start floors now to the current window boundary. Hourly windows are
// clock-hour aligned; monthly windows start on the first of the calendar
// month, UTC.
func (k WindowKind) Start(now time.Time) time.Time {
	now = now.UTC()
	if k == WindowMonthly {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return now.Truncate(time.Hour)
}

// Next returns the boundary at which a window starting at start expires.
func (k WindowKind) Next(start time.Time) time.Time {
	if k == WindowMonthly {
		return start.AddDate(0, 1, 0)
	}
	return start.Add(time.Hour)
}

// Usage is a consistent point-in-time read of one tenant's counters.
type Usage struct {
	Hourly       int64
	HourlyStart  time.Time
	Monthly      int64
	MonthlyStart time.Time
	StorageGB    float64
}

// CounterStore is the shared-state abstraction behind the ledger. The
// single atomic primitive is IncrWithLimit: roll the window forward if
// stale, then increment only when the result stays at or under limit.
// Implementations must make that sequence atomic per (tenant, kind) key.
type CounterStore interface {
	// IncrWithLimit returns the post-operation count and whether the
	// increment was applied. A rejected increment leaves count untouched.
	IncrWithLimit(ctx context.Context, tenantID string, kind WindowKind, windowStart time.Time, limit int64) (count int64, allowed bool, err error)

	// SetStorage replaces the tenant's storage gauge. Driven by
	// out-of-band storage-reporting events, not by request traffic.
	SetStorage(ctx context.Context, tenantID string, gb float64) error

	// GetStorage reads the tenant's storage gauge.
	GetStorage(ctx context.Context, tenantID string) (float64, error)

	// Snapshot reads both call windows and the storage gauge under one
	// logical snapshot so usage reports never mix windows mid-update.
	Snapshot(ctx context.Context, tenantID string, hourlyStart, monthlyStart time.Time) (Usage, error)
}

type memoryCounter struct {
	count       int64
	windowStart time.Time
}

// MemoryStore is a single-instance CounterStore. Counters are process
// local, so it only suits non-scaled deployments; multi-instance
// gateways need the Redis store for cross-instance visibility.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	storage  map[string]float64
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		storage:  make(map[string]float64),
	}
}

func counterKey(tenantID string, kind WindowKind) string {
	return tenantID + ":" + string(kind)
}

func (m *MemoryStore) IncrWithLimit(_ context.Context, tenantID string, kind WindowKind, windowStart time.Time, limit int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey(tenantID, kind)
	c, ok := m.counters[key]
	if !ok {
		c = &memoryCounter{windowStart: windowStart}
		m.counters[key] = c
	}

	// Lazy rollover: a stale window resets before the increment applies.
	if !c.windowStart.Equal(windowStart) {
		c.count = 0
		c.windowStart = windowStart
	}

	if c.count+1 > limit {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}

func (m *MemoryStore) SetStorage(_ context.Context, tenantID string, gb float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage[tenantID] = gb
	return nil
}

func (m *MemoryStore) GetStorage(_ context.Context, tenantID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage[tenantID], nil
}

func (m *MemoryStore) Snapshot(_ context.Context, tenantID string, hourlyStart, monthlyStart time.Time) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := Usage{HourlyStart: hourlyStart, MonthlyStart: monthlyStart, StorageGB: m.storage[tenantID]}
	if c, ok := m.counters[counterKey(tenantID, WindowHourly)]; ok && c.windowStart.Equal(hourlyStart) {
		usage.Hourly = c.count
	}
	if c, ok := m.counters[counterKey(tenantID, WindowMonthly)]; ok && c.windowStart.Equal(monthlyStart) {
		usage.Monthly = c.count
	}
	return usage, nil
}
