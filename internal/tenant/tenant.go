// Package tenant resolves a tenant identity from an inbound request and
// carries it through the request's processing context. Resolution is
// request-scoped; nothing here is persisted beyond the tenant metadata
// lookups themselves.
package tenant

import (
	"errors"

	"gatekeeper/internal/quota"
)

// ErrNotFound signals that no tenant matches the given identity.
var ErrNotFound = errors.New("tenant not found")

// Method is how a tenant identity was established.
type Method string

const (
	MethodAPIKey     Method = "api_key"
	MethodHeader     Method = "header"
	MethodSubdomain  Method = "subdomain"
	MethodQueryParam Method = "query_param"
)

// Context is the resolved identity for one request. Created once by the
// resolver, attached to the request context, never persisted.
type Context struct {
	TenantID string
	Method   Method
	Tier     quota.Tier
}

// Record is a tenant's stored metadata.
type Record struct {
	TenantID string
	Tier     quota.Tier
}
