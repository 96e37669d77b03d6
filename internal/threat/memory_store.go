package threat

import (
	"context"
	"sync"
	"time"
)

// MemoryBlacklist is a single-instance BlacklistStore. Lookups take a
// read lock only; the write path is rare enough for a plain RWMutex.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]BlacklistEntry
}

// NewMemoryBlacklist creates an in-memory blacklist store.
func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]BlacklistEntry)}
}

func (m *MemoryBlacklist) Get(_ context.Context, ip string) (*BlacklistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[ip]; ok {
		return &e, nil
	}
	return nil, nil
}

func (m *MemoryBlacklist) Put(_ context.Context, entry BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-blacklisting replaces the entry wholesale: latest reason and
	// TTL win.
	m.entries[entry.IP] = entry
	return nil
}

func (m *MemoryBlacklist) Delete(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, ip)
	return nil
}

func (m *MemoryBlacklist) List(_ context.Context) ([]BlacklistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BlacklistEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryBlacklist) Compact(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for ip, e := range m.entries {
		if !e.Active(now) {
			delete(m.entries, ip)
			removed++
		}
	}
	return removed, nil
}

type requestWindow struct {
	start time.Time
	count int64
}

// MemoryAttempts is a single-instance AttemptStore.
type MemoryAttempts struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	requests map[string]*requestWindow
}

// NewMemoryAttempts creates an in-memory attempt store.
func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{
		failures: make(map[string][]time.Time),
		requests: make(map[string]*requestWindow),
	}
}

func (m *MemoryAttempts) AddFailure(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	kept := m.failures[key][:0]
	for _, ts := range m.failures[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	m.failures[key] = kept
	return len(kept), nil
}

func (m *MemoryAttempts) ClearFailures(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, key)
	return nil
}

func (m *MemoryAttempts) IncrRequests(_ context.Context, key string, windowStart time.Time, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.requests[key]
	if !ok || !w.start.Equal(windowStart) {
		w = &requestWindow{start: windowStart}
		m.requests[key] = w
	}
	w.count++
	return w.count, nil
}

func (m *MemoryAttempts) Compact(_ context.Context, now time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	cutoff := now.Add(-window)
	for key, times := range m.failures {
		live := false
		for _, ts := range times {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(m.failures, key)
			removed++
		}
	}
	for key, w := range m.requests {
		if now.Sub(w.start) > 2*window {
			delete(m.requests, key)
			removed++
		}
	}
	return removed, nil
}

// MemoryHistory is a single-instance HistoryStore.
type MemoryHistory struct {
	mu       sync.RWMutex
	accounts map[string]AccountHistory
}

// NewMemoryHistory creates an in-memory account history store.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{accounts: make(map[string]AccountHistory)}
}

func (m *MemoryHistory) GetHistory(_ context.Context, account string) (*AccountHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.accounts[account]; ok {
		return &h, nil
	}
	return nil, nil
}

func (m *MemoryHistory) PutHistory(_ context.Context, account string, h AccountHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account] = h
	return nil
}
