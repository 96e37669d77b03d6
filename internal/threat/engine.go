package threat

import (
	"context"
	"time"

	"gatekeeper/pkg/cache"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/geoip"
	"gatekeeper/pkg/logging"
)

// Config holds the engine's thresholds.
type Config struct {
	// FailureThreshold failed logins within FailureWindow blocks the IP.
	FailureThreshold int
	FailureWindow    time.Duration
	// LockoutTTL is how long a brute-force block lasts.
	LockoutTTL time.Duration
	// RateLimitPerMinute is the generic per-IP-per-endpoint ceiling.
	RateLimitPerMinute int64
	// RateAbuseTTL is how long a rate-abuse block lasts.
	RateAbuseTTL time.Duration
}

// LoadConfig reads engine thresholds from the environment.
func LoadConfig() Config {
	return Config{
		FailureThreshold:   config.GetEnvInt("THREAT_FAILURE_THRESHOLD", 5),
		FailureWindow:      config.GetEnvDuration("THREAT_FAILURE_WINDOW", 15*time.Minute),
		LockoutTTL:         config.GetEnvDuration("THREAT_LOCKOUT_TTL", 24*time.Hour),
		RateLimitPerMinute: config.GetEnvInt64("THREAT_RATE_LIMIT_PER_MINUTE", 100),
		RateAbuseTTL:       config.GetEnvDuration("THREAT_RATE_ABUSE_TTL", time.Hour),
	}
}

// AlertEvent is a security alert raised by the engine.
type AlertEvent struct {
	Kind    string    `json:"kind"`
	IP      string    `json:"ip"`
	Account string    `json:"account,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Score   float64   `json:"score,omitempty"`
	At      time.Time `json:"at"`
}

// AlertPublisher receives security alerts. Implementations must be safe
// for concurrent use; a nil publisher means log-only.
type AlertPublisher interface {
	Publish(ctx context.Context, event AlertEvent) error
}

// Engine is the platform-wide threat detector. Every operation is
// advisory and fails open: when the reputation store is down the engine
// reports "not blocked" rather than taking the platform down with it.
type Engine struct {
	cfg       Config
	blacklist BlacklistStore
	attempts  AttemptStore
	history   HistoryStore
	scorer    *Scorer
	geo       *geoip.Reader
	geoCache  *cache.Cache
	alerts    AlertPublisher
	logger    logging.Logger

	now func() time.Time
}

// NewEngine wires a threat detection engine. geo, geoCache, and alerts
// may be nil; the corresponding signals degrade gracefully.
func NewEngine(cfg Config, blacklist BlacklistStore, attempts AttemptStore, history HistoryStore, scorer *Scorer, geo *geoip.Reader, geoCache *cache.Cache, alerts AlertPublisher, logger logging.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		blacklist: blacklist,
		attempts:  attempts,
		history:   history,
		scorer:    scorer,
		geo:       geo,
		geoCache:  geoCache,
		alerts:    alerts,
		logger:    logger,
		now:       time.Now,
	}
}

// SetScorer swaps the anomaly scorer, used when weights are reloaded.
func (e *Engine) SetScorer(s *Scorer) {
	e.scorer = s
}

// IsBlocked reports whether ip has an active blacklist entry. Expired
// entries read as not blocked without being deleted (lazy expiry).
// Store failures resolve to not-blocked.
func (e *Engine) IsBlocked(ctx context.Context, ip string) bool {
	entry, err := e.blacklist.Get(ctx, ip)
	if err != nil {
		e.logger.WithFields(logging.Fields{"ip": ip, "error": err.Error()}).
			Error("blacklist lookup failed, failing open")
		return false
	}
	return entry != nil && entry.Active(e.now())
}

// Blacklist inserts or refreshes a block for ip. ttl zero means
// permanent. Idempotent: re-blacklisting replaces reason and TTL.
func (e *Engine) Blacklist(ctx context.Context, ip string, reason Reason, ttl time.Duration) {
	now := e.now()
	entry := BlacklistEntry{IP: ip, Reason: reason, CreatedAt: now}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}

	if err := e.blacklist.Put(ctx, entry); err != nil {
		e.logger.WithFields(logging.Fields{"ip": ip, "reason": reason, "error": err.Error()}).
			Error("blacklist write failed")
		return
	}

	e.logger.WithFields(logging.Fields{"ip": ip, "reason": reason, "ttl": ttl.String()}).
		Warn("IP blacklisted")
}

// Unblacklist removes any entry for ip.
func (e *Engine) Unblacklist(ctx context.Context, ip string) {
	if err := e.blacklist.Delete(ctx, ip); err != nil {
		e.logger.WithFields(logging.Fields{"ip": ip, "error": err.Error()}).
			Error("blacklist delete failed")
		return
	}
	e.logger.WithField("ip", ip).Info("IP removed from blacklist")
}

// ListBlacklist returns all stored entries for the operator surface.
func (e *Engine) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	return e.blacklist.List(ctx)
}

// RecordLoginAttempt feeds a login outcome into the failure tracker.
// Success clears the (ip, account) history; the threshold-th failure
// inside the rolling window blocks the IP platform-wide.
func (e *Engine) RecordLoginAttempt(ctx context.Context, ip, account string, success bool) {
	key := pairKey(ip, account)

	if success {
		if err := e.attempts.ClearFailures(ctx, key); err != nil {
			e.logger.WithFields(logging.Fields{"ip": ip, "error": err.Error()}).
				Error("failed to clear login failures")
		}
		e.recordSuccessfulLogin(ctx, ip, account)
		return
	}

	count, err := e.attempts.AddFailure(ctx, key, e.now(), e.cfg.FailureWindow)
	if err != nil {
		e.logger.WithFields(logging.Fields{"ip": ip, "error": err.Error()}).
			Error("failed to record login failure, failing open")
		return
	}

	if count >= e.cfg.FailureThreshold {
		e.Blacklist(ctx, ip, ReasonBruteForce, e.cfg.LockoutTTL)
		e.publishAlert(ctx, AlertEvent{
			Kind:    "brute_force_block",
			IP:      ip,
			Account: account,
			Reason:  string(ReasonBruteForce),
			At:      e.now(),
		})
	}
}

// recordSuccessfulLogin updates the account's history so future
// anomaly evaluations know its usual IPs and location.
func (e *Engine) recordSuccessfulLogin(ctx context.Context, ip, account string) {
	if account == "" {
		return
	}
	h, err := e.history.GetHistory(ctx, account)
	if err != nil {
		e.logger.WithFields(logging.Fields{"account": account, "error": err.Error()}).
			Error("history read failed")
		return
	}
	if h == nil {
		h = &AccountHistory{KnownIPs: make(map[string]bool)}
	}
	if h.KnownIPs == nil {
		h.KnownIPs = make(map[string]bool)
	}
	h.KnownIPs[ip] = true
	h.EverSeen = true
	h.LastSeen = e.now()
	if geo := geoip.LookupCached(ctx, e.geo, e.geoCache, ip); geo != nil {
		h.LastLat = geo.Latitude
		h.LastLon = geo.Longitude
		h.LastGeo = true
	}
	if err := e.history.PutHistory(ctx, account, *h); err != nil {
		e.logger.WithFields(logging.Fields{"account": account, "error": err.Error()}).
			Error("history write failed")
	}
}

// BuildSignals composes the anomaly inputs for a login attempt from the
// account's history and the request geography.
func (e *Engine) BuildSignals(ctx context.Context, ip, account string) Signals {
	now := e.now()
	sig := Signals{OffHours: e.scorer.IsOffHours(now)}

	if account == "" {
		return sig
	}

	h, err := e.history.GetHistory(ctx, account)
	if err != nil {
		e.logger.WithFields(logging.Fields{"account": account, "error": err.Error()}).
			Error("history read failed, scoring without it")
		return sig
	}
	if h == nil || !h.EverSeen {
		sig.FirstLogin = true
		return sig
	}

	sig.NewIPForAccount = !h.KnownIPs[ip]

	if h.LastGeo {
		if geo := geoip.LookupCached(ctx, e.geo, e.geoCache, ip); geo != nil {
			distance := geoip.DistanceKm(h.LastLat, h.LastLon, geo.Latitude, geo.Longitude)
			elapsed := now.Sub(h.LastSeen).Hours()
			if elapsed < 0.1 {
				elapsed = 0.1
			}
			sig.TravelVelocityKmh = distance / elapsed
		}
	}
	return sig
}

// ScoreAnomaly computes the weighted score for a set of signals.
func (e *Engine) ScoreAnomaly(sig Signals) float64 {
	return e.scorer.Score(sig)
}

// Assess scores a login-sensitive request and maps it to a consequence
// band. A block-band result raises a security alert.
func (e *Engine) Assess(ctx context.Context, ip, account string) (float64, Band) {
	score := e.ScoreAnomaly(e.BuildSignals(ctx, ip, account))
	band := BandFor(score)

	if band == BandBlock {
		e.publishAlert(ctx, AlertEvent{
			Kind:    "anomaly_block",
			IP:      ip,
			Account: account,
			Score:   score,
			At:      e.now(),
		})
	}
	return score, band
}

// CheckRateLimit enforces the generic per-IP-per-endpoint ceiling,
// independent of tenant quotas. Exceeding it auto-blacklists the IP.
// Store failures resolve to allowed.
func (e *Engine) CheckRateLimit(ctx context.Context, ip, endpoint string) bool {
	now := e.now()
	windowStart := now.Truncate(time.Minute)

	count, err := e.attempts.IncrRequests(ctx, ip+"|"+endpoint, windowStart, time.Minute)
	if err != nil {
		e.logger.WithFields(logging.Fields{"ip": ip, "endpoint": endpoint, "error": err.Error()}).
			Error("rate limit counter unavailable, failing open")
		return true
	}

	if count > e.cfg.RateLimitPerMinute {
		e.Blacklist(ctx, ip, ReasonRateAbuse, e.cfg.RateAbuseTTL)
		return false
	}
	return true
}

// StartCompaction runs periodic compaction of expired state until ctx
// is cancelled. Memory bounding only; lazy expiry already keeps
// decisions correct without it.
func (e *Engine) StartCompaction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := e.now()
				blRemoved, err := e.blacklist.Compact(ctx, now)
				if err != nil {
					e.logger.WithError(err).Warn("blacklist compaction failed")
				}
				atRemoved, err := e.attempts.Compact(ctx, now, e.cfg.FailureWindow)
				if err != nil {
					e.logger.WithError(err).Warn("attempt compaction failed")
				}
				if blRemoved+atRemoved > 0 {
					e.logger.WithFields(logging.Fields{
						"blacklist_removed": blRemoved,
						"attempts_removed":  atRemoved,
					}).Debug("compacted expired threat state")
				}
			}
		}
	}()
}

func (e *Engine) publishAlert(ctx context.Context, event AlertEvent) {
	e.logger.WithFields(logging.Fields{
		"kind":    event.Kind,
		"ip":      event.IP,
		"account": event.Account,
		"score":   event.Score,
	}).Warn("security alert")

	if e.alerts == nil {
		return
	}
	if err := e.alerts.Publish(ctx, event); err != nil {
		e.logger.WithError(err).Error("failed to publish security alert")
	}
}
