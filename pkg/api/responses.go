// Package api defines the wire-level response shapes shared by every
// gatekeeper HTTP surface.
package api

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SuccessResponse represents a standard success response
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// QuotaExceededResponse is the 429 body returned when a tenant runs out
// of quota. ResetAt is ISO8601 so clients can back off correctly.
type QuotaExceededResponse struct {
	Error     string `json:"error"`
	QuotaType string `json:"quota_type"`
	Limit     int64  `json:"limit"`
	Current   int64  `json:"current"`
	ResetAt   string `json:"reset_at"`
}

// StepUpRequiredResponse asks the client to complete secondary
// verification before the request can proceed.
type StepUpRequiredResponse struct {
	Error        string `json:"error"`
	Verification string `json:"verification"`
}

// WindowUsage reports consumption of a single time-windowed quota.
type WindowUsage struct {
	Current    int64   `json:"current"`
	Limit      int64   `json:"limit"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

// StorageUsage reports the tenant's storage gauge.
type StorageUsage struct {
	CurrentGB float64 `json:"current_gb"`
	LimitGB   float64 `json:"limit_gb"`
}

// UsageResponse is the tenant self-service usage report.
type UsageResponse struct {
	TenantID string                 `json:"tenant_id"`
	Tier     string                 `json:"tier"`
	APICalls map[string]WindowUsage `json:"api_calls"`
	Storage  StorageUsage           `json:"storage"`
	Features map[string]bool        `json:"features"`
}

// BlacklistEntryResponse is the operator view of one blacklist entry.
type BlacklistEntryResponse struct {
	IP        string `json:"ip"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Permanent bool   `json:"permanent"`
}
