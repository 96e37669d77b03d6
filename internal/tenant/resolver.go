package tenant

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gatekeeper/internal/quota"
	"gatekeeper/pkg/auth"
	"gatekeeper/pkg/cache"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/logging"
)

// ResolverConfig holds resolution policy.
type ResolverConfig struct {
	// JWTSecret enables bearer tokens to be tenant-scoped JWTs in
	// addition to raw API keys. Empty disables JWT resolution.
	JWTSecret []byte
	// AllowQueryParam enables ?tenant_id= resolution. Intended for test
	// and demo traffic only; off in production.
	AllowQueryParam bool
	// CacheTTL bounds how long tenant metadata is served from cache.
	CacheTTL time.Duration
	// CacheNegativeTTL bounds how long unknown keys are remembered, so
	// a flood of bogus keys does not hammer the metadata store.
	CacheNegativeTTL time.Duration
}

// LoadResolverConfig reads resolution policy from the environment.
func LoadResolverConfig() ResolverConfig {
	return ResolverConfig{
		JWTSecret:        []byte(config.GetEnv("JWT_SECRET", "")),
		AllowQueryParam:  config.GetEnvBool("ALLOW_QUERY_TENANT", false),
		CacheTTL:         config.GetEnvDuration("TENANT_CACHE_TTL", 30*time.Second),
		CacheNegativeTTL: config.GetEnvDuration("TENANT_CACHE_NEGATIVE_TTL", 5*time.Second),
	}
}

// Resolver produces a tenant Context from request identity material.
// Resolution itself is side-effect-free; only the key lookup touches the
// metadata store, and that behind a singleflight cache.
type Resolver struct {
	cfg    ResolverConfig
	store  MetadataStore
	cache  *cache.Cache
	logger logging.Logger
}

// NewResolver wires a resolver over a metadata store.
func NewResolver(cfg ResolverConfig, store MetadataStore, logger logging.Logger) *Resolver {
	return &Resolver{
		cfg:   cfg,
		store: store,
		cache: cache.New(cache.Options{
			TTL:         cfg.CacheTTL,
			NegativeTTL: cfg.CacheNegativeTTL,
			MaxEntries:  10_000,
		}),
		logger: logger,
	}
}

// Resolve walks the identification strategies in priority order and
// returns the first match, or nil when no strategy yields an identity.
// Callers decide whether an empty identity is acceptable.
func (r *Resolver) Resolve(c *gin.Context) *Context {
	if tc := r.resolveBearer(c); tc != nil {
		return tc
	}
	if tc := r.resolveHeader(c); tc != nil {
		return tc
	}
	if tc := r.resolveSubdomain(c); tc != nil {
		return tc
	}
	if r.cfg.AllowQueryParam {
		if tenantID := c.Query("tenant_id"); tenantID != "" {
			return &Context{
				TenantID: tenantID,
				Method:   MethodQueryParam,
				Tier:     r.tierFor(c.Request.Context(), tenantID),
			}
		}
	}
	return nil
}

// resolveBearer handles Authorization: Bearer tokens. A token that
// parses as a tenant-scoped JWT carries its own identity; anything else
// is treated as a registered API key.
func (r *Resolver) resolveBearer(c *gin.Context) *Context {
	token := auth.BearerToken(c)
	if token == "" {
		return nil
	}

	if len(r.cfg.JWTSecret) > 0 {
		if claims, err := auth.ValidateJWT(token, r.cfg.JWTSecret); err == nil && claims.TenantID != "" {
			return &Context{
				TenantID: claims.TenantID,
				Method:   MethodAPIKey,
				Tier:     parseTierOrFree(claims.Tier),
			}
		}
	}

	rec, err := r.lookupKey(c.Request.Context(), token)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.WithError(err).Error("api key lookup failed")
		}
		return nil
	}
	return &Context{TenantID: rec.TenantID, Method: MethodAPIKey, Tier: rec.Tier}
}

func (r *Resolver) resolveHeader(c *gin.Context) *Context {
	tenantID := c.GetHeader("X-Tenant-ID")
	if tenantID == "" {
		tenantID = c.GetHeader("Tenant-ID")
	}
	if tenantID == "" {
		return nil
	}
	return &Context{
		TenantID: tenantID,
		Method:   MethodHeader,
		Tier:     r.tierFor(c.Request.Context(), tenantID),
	}
}

func (r *Resolver) resolveSubdomain(c *gin.Context) *Context {
	label := subdomainLabel(c.Request.Host)
	if label == "" {
		return nil
	}
	return &Context{
		TenantID: label,
		Method:   MethodSubdomain,
		Tier:     r.tierFor(c.Request.Context(), label),
	}
}

// subdomainLabel extracts the tenant label from a request host. Hosts
// without a subdomain, IP literals, and reserved labels yield "".
func subdomainLabel(host string) string {
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return ""
	}
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return ""
	}
	label := strings.ToLower(parts[0])
	switch label {
	case "www", "api", "app", "admin":
		return ""
	}
	return label
}

// lookupKey resolves an API key through the singleflight cache. The
// cache key is the key's digest so raw credentials never sit in memory
// longer than the request.
func (r *Resolver) lookupKey(ctx context.Context, apiKey string) (*Record, error) {
	val, ok, err := r.cache.Get(ctx, "key:"+hashKey(apiKey), func(ctx context.Context, _ string) (interface{}, bool, error) {
		rec, err := r.store.LookupAPIKey(ctx, apiKey)
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrNotFound
		}
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return val.(*Record), nil
}

// tierFor resolves a tenant's tier for the header/subdomain/query paths.
// Unknown tenants and store failures fall back to free so resolution
// never grants elevated limits on bad data.
func (r *Resolver) tierFor(ctx context.Context, tenantID string) quota.Tier {
	val, ok, err := r.cache.Get(ctx, "tenant:"+tenantID, func(ctx context.Context, _ string) (interface{}, bool, error) {
		rec, err := r.store.GetTenant(ctx, tenantID)
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrNotFound
		}
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.WithFields(logging.Fields{"tenant_id": tenantID, "error": err.Error()}).
			Warn("tenant metadata lookup failed, assuming free tier")
	}
	if !ok {
		return quota.TierFree
	}
	return val.(*Record).Tier
}

// InvalidateTenant drops cached metadata for a tenant after an operator
// change so the new tier takes effect on the next request.
func (r *Resolver) InvalidateTenant(tenantID string) {
	r.cache.Delete("tenant:" + tenantID)
}
