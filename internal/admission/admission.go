// Package admission orchestrates the request-admission pipeline: IP
// reputation, tenant resolution, per-IP rate limiting, quota
// enforcement, and anomaly gating on login-sensitive endpoints. Every
// rejection short-circuits before business logic; the only conditional
// continuation is step-up verification.
package admission

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"gatekeeper/internal/quota"
	"gatekeeper/internal/tenant"
	"gatekeeper/internal/threat"
	"gatekeeper/pkg/api"
	"gatekeeper/pkg/auth"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/ctxkeys"
	"gatekeeper/pkg/logging"
)

// Config holds admission pipeline policy.
type Config struct {
	// Timeout bounds one admission evaluation so a degraded backend
	// cannot stall inbound traffic. Timing out resolves through the
	// per-component fail-open/fail-closed policy.
	Timeout time.Duration
}

// LoadConfig reads admission policy from the environment.
func LoadConfig() Config {
	return Config{
		Timeout: config.GetEnvDuration("ADMISSION_TIMEOUT", 2*time.Second),
	}
}

// StepUpVerifier reports whether a request has satisfied secondary
// verification. The default implementation accepts a tenant-scoped JWT
// in the X-Step-Up-Token header.
type StepUpVerifier func(c *gin.Context) bool

// JWTStepUpVerifier verifies step-up via a short-lived JWT issued by
// the platform's verification flow, carried in X-Step-Up-Token.
func JWTStepUpVerifier(secret []byte) StepUpVerifier {
	return func(c *gin.Context) bool {
		if len(secret) == 0 {
			return false
		}
		token := c.GetHeader("X-Step-Up-Token")
		if token == "" {
			return false
		}
		_, err := auth.ValidateJWT(token, secret)
		return err == nil
	}
}

// Middleware is the admission orchestrator.
type Middleware struct {
	cfg      Config
	resolver *tenant.Resolver
	ledger   *quota.Ledger
	engine   *threat.Engine
	verifier StepUpVerifier
	logger   logging.Logger

	// Decision metrics, nil when the deployment runs without Prometheus.
	decisions *prometheus.CounterVec
	anomalies *prometheus.CounterVec
}

// New wires the admission middleware. verifier may be nil, in which
// case step-up can never be satisfied and the step-up band always
// rejects.
func New(cfg Config, resolver *tenant.Resolver, ledger *quota.Ledger, engine *threat.Engine, verifier StepUpVerifier, logger logging.Logger) *Middleware {
	return &Middleware{
		cfg:      cfg,
		resolver: resolver,
		ledger:   ledger,
		engine:   engine,
		verifier: verifier,
		logger:   logger,
	}
}

// WithMetrics attaches the admission decision counters.
func (m *Middleware) WithMetrics(decisions, anomalies *prometheus.CounterVec) *Middleware {
	m.decisions = decisions
	m.anomalies = anomalies
	return m
}

// Guard applies the IP-facing checks only: blacklist and the per-IP
// rate limiter. Used on public endpoints where no tenant is required.
func (m *Middleware) Guard() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), m.cfg.Timeout)
		defer cancel()

		if !m.passIPChecks(ctx, c) {
			return
		}
		if tc := m.resolver.Resolve(c); tc != nil {
			m.attach(c, tc)
		}
		c.Next()
	}
}

// Admit applies the full pipeline for protected endpoints: IP checks,
// tenant resolution (required), and quota enforcement. Rate-limit
// headers are set on every response, admitted or not.
func (m *Middleware) Admit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), m.cfg.Timeout)
		defer cancel()

		if !m.passIPChecks(ctx, c) {
			return
		}

		tc := m.resolver.Resolve(c)
		if tc == nil {
			m.reject(c, "unauthenticated", http.StatusUnauthorized, api.ErrorResponse{
				Error: "Authentication required",
				Code:  "AUTHENTICATION_REQUIRED",
			})
			return
		}
		m.attach(c, tc)

		if !m.passQuota(ctx, c, tc) {
			return
		}
		if !m.passStorage(ctx, c, tc) {
			return
		}

		m.count("allow", "ok")
		c.Next()
	}
}

// LoginGate adds anomaly gating for login-sensitive endpoints. Apply
// after Admit (or Guard) so the tenant context and IP checks are in
// place.
func (m *Middleware) LoginGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), m.cfg.Timeout)
		defer cancel()

		ip := c.ClientIP()
		account := accountIdentifier(c)
		score, band := m.engine.Assess(ctx, ip, account)

		c.Set(string(ctxkeys.KeyAnomalyScore), score)
		if m.anomalies != nil {
			m.anomalies.WithLabelValues(string(band)).Inc()
		}

		entry := m.logger.WithFields(logging.Fields{
			"ip":      ip,
			"account": account,
			"score":   score,
			"band":    band,
			"path":    c.Request.URL.Path,
		})

		switch band {
		case threat.BandAllow:
			c.Next()
		case threat.BandAudit:
			entry.Warn("anomalous login admitted for audit")
			c.Next()
		case threat.BandStepUp:
			if m.verifier != nil && m.verifier(c) {
				entry.Info("step-up verification satisfied")
				c.Set(string(ctxkeys.KeyStepUpOK), true)
				c.Next()
				return
			}
			entry.Warn("step-up verification required")
			m.count("step_up", "anomaly")
			c.AbortWithStatusJSON(http.StatusPreconditionRequired, api.StepUpRequiredResponse{
				Error:        "Additional verification required",
				Verification: "step_up",
			})
		case threat.BandBlock:
			entry.Error("login blocked on anomaly score")
			m.reject(c, "anomaly_block", http.StatusForbidden, api.ErrorResponse{
				Error: "Access denied",
			})
		}
	}
}

// LoginGateFor applies the anomaly gate only to requests whose path
// matches one of the configured login-sensitive prefixes. Used on the
// proxy catch-all where sensitive and plain endpoints share a route.
func (m *Middleware) LoginGateFor(prefixes []string) gin.HandlerFunc {
	gate := m.LoginGate()
	return func(c *gin.Context) {
		for _, prefix := range prefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				gate(c)
				return
			}
		}
		c.Next()
	}
}

// passIPChecks runs blacklist and per-IP rate limiting. Returns false
// after writing the rejection.
func (m *Middleware) passIPChecks(ctx context.Context, c *gin.Context) bool {
	ip := c.ClientIP()
	path := c.Request.URL.Path

	if m.engine.IsBlocked(ctx, ip) {
		m.logger.WithFields(logging.Fields{"ip": ip, "path": path}).
			Warn("request from blacklisted IP rejected")
		m.reject(c, "blacklisted", http.StatusForbidden, api.ErrorResponse{
			Error: "Access denied",
		})
		return false
	}

	if !m.engine.CheckRateLimit(ctx, ip, path) {
		m.logger.WithFields(logging.Fields{"ip": ip, "path": path}).
			Warn("per-IP rate limit exceeded")
		m.reject(c, "rate_abuse", http.StatusForbidden, api.ErrorResponse{
			Error: "Access denied",
		})
		return false
	}
	return true
}

// passQuota consumes one call from both windows. The hourly decision
// drives the rate-limit headers since it is the tighter window.
func (m *Middleware) passQuota(ctx context.Context, c *gin.Context, tc *tenant.Context) bool {
	for _, kind := range []quota.WindowKind{quota.WindowHourly, quota.WindowMonthly} {
		decision, err := m.ledger.CheckAndIncrement(ctx, tc.TenantID, tc.Tier, kind)
		if kind == quota.WindowHourly {
			setRateLimitHeaders(c, decision)
		}

		if err != nil {
			if errors.Is(err, quota.ErrBackendUnavailable) && decision.Allowed {
				// Fail-open: admit and keep going. Already logged at a
				// paging severity inside the ledger.
				continue
			}
			m.reject(c, "backend_unavailable", http.StatusServiceUnavailable, api.ErrorResponse{
				Error: "Service temporarily unavailable",
				Code:  "BACKEND_UNAVAILABLE",
			})
			return false
		}

		if !decision.Allowed {
			m.logger.WithFields(logging.Fields{
				"tenant_id":  tc.TenantID,
				"quota_type": decision.QuotaType,
				"limit":      decision.Limit,
				"path":       c.Request.URL.Path,
			}).Info("quota exceeded")
			m.count("reject", "quota_"+string(decision.QuotaType))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, api.QuotaExceededResponse{
				Error:     "Quota exceeded",
				QuotaType: string(decision.QuotaType),
				Limit:     decision.Limit,
				Current:   decision.Current,
				ResetAt:   decision.ResetAt.UTC().Format(time.RFC3339),
			})
			return false
		}
	}
	return true
}

// passStorage consults the storage gauge for requests that upload
// bytes. The declared body size is the admission-time estimate of the
// storage the request may add; the gauge itself is fed by downstream
// accounting, so a tenant at its cap is cut off here before the bytes
// travel.
func (m *Middleware) passStorage(ctx context.Context, c *gin.Context, tc *tenant.Context) bool {
	switch c.Request.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return true
	}
	if c.Request.ContentLength <= 0 {
		return true
	}

	additionalGB := float64(c.Request.ContentLength) / (1 << 30)
	ok, err := m.ledger.CheckStorage(ctx, tc.TenantID, tc.Tier, additionalGB)
	if err != nil {
		if ok {
			return true
		}
		m.reject(c, "backend_unavailable", http.StatusServiceUnavailable, api.ErrorResponse{
			Error: "Service temporarily unavailable",
			Code:  "BACKEND_UNAVAILABLE",
		})
		return false
	}
	if !ok {
		m.logger.WithFields(logging.Fields{
			"tenant_id": tc.TenantID,
			"body_gb":   additionalGB,
			"path":      c.Request.URL.Path,
		}).Info("storage quota exceeded")
		m.reject(c, "quota_storage", http.StatusTooManyRequests, api.ErrorResponse{
			Error: "Storage quota exceeded",
			Code:  "STORAGE_QUOTA_EXCEEDED",
		})
		return false
	}
	return true
}

// attach makes the tenant context visible to downstream handlers via
// both the gin context and the request context.
func (m *Middleware) attach(c *gin.Context, tc *tenant.Context) {
	c.Set(string(ctxkeys.KeyTenantID), tc.TenantID)
	c.Set(string(ctxkeys.KeyTenantTier), string(tc.Tier))
	c.Set(string(ctxkeys.KeyResolutionVia), string(tc.Method))
	c.Set(string(ctxkeys.KeyTenantResolved), true)

	ctx := c.Request.Context()
	ctx = context.WithValue(ctx, ctxkeys.KeyTenantID, tc.TenantID)
	ctx = context.WithValue(ctx, ctxkeys.KeyTenantTier, string(tc.Tier))
	c.Request = c.Request.WithContext(ctx)
}

func (m *Middleware) reject(c *gin.Context, reason string, status int, body interface{}) {
	m.count("reject", reason)
	c.AbortWithStatusJSON(status, body)
}

func (m *Middleware) count(outcome, reason string) {
	if m.decisions != nil {
		m.decisions.WithLabelValues(outcome, reason).Inc()
	}
}

// TenantFromContext returns the resolved tenant for downstream handlers.
func TenantFromContext(c *gin.Context) (*tenant.Context, bool) {
	if !c.GetBool(string(ctxkeys.KeyTenantResolved)) {
		return nil, false
	}
	return &tenant.Context{
		TenantID: c.GetString(string(ctxkeys.KeyTenantID)),
		Method:   tenant.Method(c.GetString(string(ctxkeys.KeyResolutionVia))),
		Tier:     quota.Tier(c.GetString(string(ctxkeys.KeyTenantTier))),
	}, true
}

// accountIdentifier extracts the account a login attempt targets.
// Login payloads are not parsed here; clients pass the identifier in a
// header so the gate stays body-agnostic.
func accountIdentifier(c *gin.Context) string {
	if account := c.GetHeader("X-Account-ID"); account != "" {
		return account
	}
	return c.Query("account")
}

func setRateLimitHeaders(c *gin.Context, d quota.Decision) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
