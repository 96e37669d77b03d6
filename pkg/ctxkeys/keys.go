// Package ctxkeys defines typed context keys to avoid SA1029 lint warnings
// and prevent key collisions across packages.
package ctxkeys

import "context"

// Key is a typed context key to prevent collisions.
type Key string

// Tenant context keys
const (
	KeyTenantID       Key = "tenant_id"
	KeyTenantTier     Key = "tenant_tier"
	KeyTenantResolved Key = "tenant_resolved"
	KeyResolutionVia  Key = "resolution_method"
)

// Request context keys
const (
	KeyRequestID    Key = "request_id"
	KeyClientIP     Key = "client_ip"
	KeyAuthType     Key = "auth_type"
	KeyAnomalyScore Key = "anomaly_score"
	KeyStepUpOK     Key = "step_up_verified"
)

// GetTenantID extracts tenant_id from context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyTenantID).(string); ok {
		return v
	}
	return ""
}

// GetTenantTier extracts tenant_tier from context.
func GetTenantTier(ctx context.Context) string {
	if v, ok := ctx.Value(KeyTenantTier).(string); ok {
		return v
	}
	return ""
}

// GetClientIP extracts client_ip from context.
func GetClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(KeyClientIP).(string); ok {
		return v
	}
	return ""
}

// GetRequestID extracts request_id from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyRequestID).(string); ok {
		return v
	}
	return ""
}

// IsStepUpVerified checks if step_up_verified is set in context.
func IsStepUpVerified(ctx context.Context) bool {
	if v, ok := ctx.Value(KeyStepUpOK).(bool); ok {
		return v
	}
	return false
}
