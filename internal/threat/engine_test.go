package threat

import (
	"context"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"gatekeeper/pkg/logging"
)

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func testLogger() logging.Logger {
	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)
	return logger
}

type capturedAlerts struct {
	mu     sync.Mutex
	events []AlertEvent
}

func (c *capturedAlerts) Publish(_ context.Context, event AlertEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturedAlerts) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func newTestEngine(t *testing.T, now *time.Time) (*Engine, *capturedAlerts) {
	t.Helper()
	alerts := &capturedAlerts{}
	cfg := Config{
		FailureThreshold:   5,
		FailureWindow:      15 * time.Minute,
		LockoutTTL:         24 * time.Hour,
		RateLimitPerMinute: 100,
		RateAbuseTTL:       time.Hour,
	}
	e := NewEngine(cfg, NewMemoryBlacklist(), NewMemoryAttempts(), NewMemoryHistory(),
		NewScorer(LoadScorerConfig()), nil, nil, alerts, testLogger())
	e.now = func() time.Time { return *now }
	return e, alerts
}

func TestBruteForceThreshold(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, alerts := newTestEngine(t, &now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		e.RecordLoginAttempt(ctx, "203.0.113.7", "acct-1", false)
	}
	if e.IsBlocked(ctx, "203.0.113.7") {
		t.Fatal("blocked after 4 failures, threshold is 5")
	}

	e.RecordLoginAttempt(ctx, "203.0.113.7", "acct-1", false)
	if !e.IsBlocked(ctx, "203.0.113.7") {
		t.Fatal("not blocked after 5th failure")
	}

	kinds := alerts.kinds()
	if len(kinds) != 1 || kinds[0] != "brute_force_block" {
		t.Fatalf("expected one brute_force_block alert, got %v", kinds)
	}
}

func TestFailuresOutsideWindowIgnored(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		e.RecordLoginAttempt(ctx, "203.0.113.8", "acct-1", false)
	}

	// The old failures age out of the 15 minute window.
	now = now.Add(16 * time.Minute)
	e.RecordLoginAttempt(ctx, "203.0.113.8", "acct-1", false)
	if e.IsBlocked(ctx, "203.0.113.8") {
		t.Fatal("stale failures should not count toward the threshold")
	}
}

func TestSuccessClearsFailures(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		e.RecordLoginAttempt(ctx, "203.0.113.9", "acct-1", false)
	}
	e.RecordLoginAttempt(ctx, "203.0.113.9", "acct-1", true)

	for i := 0; i < 4; i++ {
		e.RecordLoginAttempt(ctx, "203.0.113.9", "acct-1", false)
	}
	if e.IsBlocked(ctx, "203.0.113.9") {
		t.Fatal("success should have reset the failure count")
	}
}

func TestFailureTrackingPerAccount(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	// Spread failures across accounts; no single pair reaches 5.
	for i := 0; i < 4; i++ {
		e.RecordLoginAttempt(ctx, "203.0.113.10", "acct-a", false)
	}
	for i := 0; i < 4; i++ {
		e.RecordLoginAttempt(ctx, "203.0.113.10", "acct-b", false)
	}
	if e.IsBlocked(ctx, "203.0.113.10") {
		t.Fatal("failures are tracked per (ip, account) pair")
	}
}

func TestBlacklistIdempotentLatestWins(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	e.Blacklist(ctx, "198.51.100.1", ReasonBruteForce, time.Hour)
	e.Blacklist(ctx, "198.51.100.1", ReasonManual, 48*time.Hour)

	entries, err := e.ListBlacklist(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Reason != ReasonManual {
		t.Fatalf("latest reason should win, got %s", entries[0].Reason)
	}

	// The refreshed 48h TTL is in effect.
	now = now.Add(2 * time.Hour)
	if !e.IsBlocked(ctx, "198.51.100.1") {
		t.Fatal("refreshed TTL should still block at +2h")
	}
}

func TestBlacklistLazyExpiry(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	e.Blacklist(ctx, "198.51.100.2", ReasonRateAbuse, time.Hour)
	if !e.IsBlocked(ctx, "198.51.100.2") {
		t.Fatal("should block inside TTL")
	}

	now = now.Add(61 * time.Minute)
	if e.IsBlocked(ctx, "198.51.100.2") {
		t.Fatal("expired entry must read as not blocked")
	}
}

func TestPermanentBlacklist(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	e.Blacklist(ctx, "198.51.100.3", ReasonManual, 0)
	now = now.Add(365 * 24 * time.Hour)
	if !e.IsBlocked(ctx, "198.51.100.3") {
		t.Fatal("zero TTL means permanent")
	}
}

func TestUnblacklist(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	e.Blacklist(ctx, "198.51.100.4", ReasonManual, 0)
	e.Unblacklist(ctx, "198.51.100.4")
	if e.IsBlocked(ctx, "198.51.100.4") {
		t.Fatal("unblacklisted IP still blocked")
	}
}

type failingBlacklist struct{}

func (failingBlacklist) Get(context.Context, string) (*BlacklistEntry, error) {
	return nil, ErrStoreUnavailable
}
func (failingBlacklist) Put(context.Context, BlacklistEntry) error { return ErrStoreUnavailable }
func (failingBlacklist) Delete(context.Context, string) error      { return ErrStoreUnavailable }
func (failingBlacklist) List(context.Context) ([]BlacklistEntry, error) {
	return nil, ErrStoreUnavailable
}
func (failingBlacklist) Compact(context.Context, time.Time) (int, error) {
	return 0, ErrStoreUnavailable
}

func TestIsBlockedFailsOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 5, FailureWindow: 15 * time.Minute}
	e := NewEngine(cfg, failingBlacklist{}, NewMemoryAttempts(), NewMemoryHistory(),
		NewScorer(LoadScorerConfig()), nil, nil, nil, testLogger())

	if e.IsBlocked(context.Background(), "203.0.113.1") {
		t.Fatal("store failure must resolve to not blocked")
	}
}

func TestRateLimitAutoBlacklists(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !e.CheckRateLimit(ctx, "192.0.2.5", "/api/streams") {
			t.Fatalf("request %d should be within the per-minute limit", i+1)
		}
	}
	if e.CheckRateLimit(ctx, "192.0.2.5", "/api/streams") {
		t.Fatal("request 101 should exceed the limit")
	}
	if !e.IsBlocked(ctx, "192.0.2.5") {
		t.Fatal("rate abuse should auto-blacklist the IP")
	}

	entries, _ := e.ListBlacklist(ctx)
	if len(entries) != 1 || entries[0].Reason != ReasonRateAbuse {
		t.Fatalf("expected one rate_abuse entry, got %+v", entries)
	}
}

func TestRateLimitPerEndpoint(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		e.CheckRateLimit(ctx, "192.0.2.6", "/api/streams")
	}
	if !e.CheckRateLimit(ctx, "192.0.2.6", "/api/usage") {
		t.Fatal("counters are per endpoint")
	}
}

func TestRateLimitWindowResets(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		e.CheckRateLimit(ctx, "192.0.2.7", "/api/streams")
	}
	now = now.Add(time.Minute)
	if !e.CheckRateLimit(ctx, "192.0.2.7", "/api/streams") {
		t.Fatal("new minute window should start fresh")
	}
}

func TestAssessFirstLogin(t *testing.T) {
	// Midday, inside business hours.
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)

	score, band := e.Assess(context.Background(), "203.0.113.20", "fresh-account")
	if !closeTo(score, 0.20) {
		t.Fatalf("first login alone should score 0.20, got %v", score)
	}
	if band != BandAllow {
		t.Fatalf("expected allow band, got %s", band)
	}
}

func TestAssessKnownIPScoresZero(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	e.RecordLoginAttempt(ctx, "203.0.113.21", "acct-k", true)
	now = now.Add(time.Hour)

	score, band := e.Assess(ctx, "203.0.113.21", "acct-k")
	if score != 0 || band != BandAllow {
		t.Fatalf("known IP at midday should score 0/allow, got %v/%s", score, band)
	}
}

func TestAssessNewIPOffHours(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, alerts := newTestEngine(t, &now)
	ctx := context.Background()

	e.RecordLoginAttempt(ctx, "203.0.113.22", "acct-n", true)

	// New IP (0.25) at 02:00 UTC (0.15): audit band.
	now = time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC)
	score, band := e.Assess(ctx, "198.51.100.99", "acct-n")
	if !closeTo(score, 0.40) {
		t.Fatalf("expected score 0.40, got %v", score)
	}
	if band != BandAudit {
		t.Fatalf("expected audit band, got %s", band)
	}
	if len(alerts.kinds()) != 0 {
		t.Fatal("audit band must not raise an alert")
	}
}

func TestAssessBlockBandRaisesAlert(t *testing.T) {
	now := time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC)
	e, alerts := newTestEngine(t, &now)
	ctx := context.Background()

	// Known account with geo history; an implausible hop plus a new IP
	// at 02:00 UTC stacks past the block boundary. Without a geo reader
	// the travel signal stays zero, so inject the velocity by scoring
	// the composed signals directly and verifying the band, then drive
	// the alert through Assess with a scorer whose weights make the
	// boolean signals alone reach block.
	sig := Signals{NewIPForAccount: true, TravelVelocityKmh: 5000, OffHours: true}
	if BandFor(e.ScoreAnomaly(sig)) != BandBlock {
		t.Fatalf("stacked signals should reach block band, score %v", e.ScoreAnomaly(sig))
	}

	e.scorer = NewScorer(ScorerConfig{
		NewIPWeight:        0.5,
		OffHoursWeight:     0.4,
		FirstLoginWeight:   0.2,
		ImpossibleSpeedKmh: 900,
		OffHoursStart:      22,
		OffHoursEnd:        6,
	})
	e.RecordLoginAttempt(ctx, "203.0.113.30", "acct-t", true)

	score, band := e.Assess(ctx, "198.51.100.50", "acct-t")
	if band != BandBlock {
		t.Fatalf("expected block band, got %s (score %v)", band, score)
	}
	kinds := alerts.kinds()
	if len(kinds) != 1 || kinds[0] != "anomaly_block" {
		t.Fatalf("expected anomaly_block alert, got %v", kinds)
	}
}

func TestSuccessfulLoginRecordsHistory(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	e.RecordLoginAttempt(ctx, "203.0.113.40", "acct-h", true)

	h, err := e.history.GetHistory(ctx, "acct-h")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if h == nil || !h.EverSeen {
		t.Fatal("successful login should create history")
	}
	if !h.KnownIPs["203.0.113.40"] {
		t.Fatal("login IP should be recorded as known")
	}
	if !h.LastSeen.Equal(now) {
		t.Fatalf("LastSeen = %v, want %v", h.LastSeen, now)
	}
}

func TestCompactionRemovesExpiredState(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &now)
	ctx := context.Background()

	e.Blacklist(ctx, "198.51.100.60", ReasonRateAbuse, time.Hour)
	e.RecordLoginAttempt(ctx, "198.51.100.61", "acct-c", false)

	now = now.Add(2 * time.Hour)
	removedBL, err := e.blacklist.Compact(ctx, now)
	if err != nil {
		t.Fatalf("blacklist compact: %v", err)
	}
	if removedBL != 1 {
		t.Fatalf("expected 1 expired blacklist entry removed, got %d", removedBL)
	}
	removedAT, err := e.attempts.Compact(ctx, now, e.cfg.FailureWindow)
	if err != nil {
		t.Fatalf("attempt compact: %v", err)
	}
	if removedAT == 0 {
		t.Fatal("stale failure record should be removed")
	}
}
