// Package threat tracks authentication-failure history, maintains the
// platform-wide IP blacklist, scores login anomalies, and rate limits
// abusive IPs. All state here is IP- or account-facing and shared across
// tenants: an abusive IP is blocked platform-wide.
package threat

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable signals that the reputation store could not be
// reached. The engine always resolves it fail-open: security state loss
// is recoverable, availability loss during an outage is not.
var ErrStoreUnavailable = errors.New("reputation store unavailable")

// Reason explains why an IP is blacklisted.
type Reason string

const (
	ReasonManual     Reason = "manual"
	ReasonBruteForce Reason = "brute_force"
	ReasonRateAbuse  Reason = "rate_abuse"
)

// ParseReason validates an operator-supplied reason.
func ParseReason(s string) (Reason, error) {
	switch Reason(s) {
	case ReasonManual, ReasonBruteForce, ReasonRateAbuse:
		return Reason(s), nil
	}
	return "", errors.New("reason must be one of manual, brute_force, rate_abuse")
}

// BlacklistEntry is one blocked IP. A nil ExpiresAt means permanent.
type BlacklistEntry struct {
	IP        string     `json:"ip"`
	Reason    Reason     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the entry still blocks at time now. Expired
// entries are inactive even if never removed (lazy expiry).
func (e BlacklistEntry) Active(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// BlacklistStore holds the shared blacklist. Reads are hot (every
// request), writes are rare.
type BlacklistStore interface {
	Get(ctx context.Context, ip string) (*BlacklistEntry, error)
	Put(ctx context.Context, entry BlacklistEntry) error
	Delete(ctx context.Context, ip string) error
	List(ctx context.Context) ([]BlacklistEntry, error)
	// Compact drops expired entries. Memory bounding only; correctness
	// never depends on it.
	Compact(ctx context.Context, now time.Time) (removed int, err error)
}

// AttemptStore keeps the rolling failed-login window per (ip, account)
// pair and the fixed per-IP-per-endpoint request counters.
type AttemptStore interface {
	// AddFailure appends a failure timestamp and returns how many
	// failures remain inside the rolling window ending at now.
	AddFailure(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	// ClearFailures wipes the failure history for a key.
	ClearFailures(ctx context.Context, key string) error
	// IncrRequests bumps the fixed-window request counter for an
	// (ip, endpoint) key and returns the post-increment count.
	IncrRequests(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int64, error)
	// Compact drops empty failure records and dead request windows.
	Compact(ctx context.Context, now time.Time, window time.Duration) (removed int, err error)
}

// AccountHistory is what the engine remembers about an account's past
// logins, feeding the anomaly signals.
type AccountHistory struct {
	KnownIPs  map[string]bool `json:"known_ips"`
	LastLat   float64         `json:"last_lat"`
	LastLon   float64         `json:"last_lon"`
	LastGeo   bool            `json:"last_geo"`
	LastSeen  time.Time       `json:"last_seen"`
	EverSeen  bool            `json:"ever_seen"`
}

// HistoryStore persists per-account login history.
type HistoryStore interface {
	GetHistory(ctx context.Context, account string) (*AccountHistory, error)
	PutHistory(ctx context.Context, account string, h AccountHistory) error
}

func pairKey(ip, account string) string {
	if account == "" {
		return ip
	}
	return ip + "|" + account
}
