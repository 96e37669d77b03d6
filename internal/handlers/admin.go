package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gatekeeper/internal/quota"
	"gatekeeper/internal/tenant"
	"gatekeeper/internal/threat"
	"gatekeeper/pkg/api"
	"gatekeeper/pkg/logging"
)

// AddBlacklistRequest is the operator request to block an IP. A zero
// TTL means permanent.
type AddBlacklistRequest struct {
	IP       string `json:"ip" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	TTLHours int    `json:"ttl_hours"`
}

// AddBlacklistEntry inserts or refreshes a manual block.
func AddBlacklistEntry(c *gin.Context) {
	var req AddBlacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	reason, err := threat.ParseReason(req.Reason)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}
	if req.TTLHours < 0 {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "ttl_hours must not be negative"})
		return
	}

	deps.Engine.Blacklist(c.Request.Context(), req.IP, reason, time.Duration(req.TTLHours)*time.Hour)
	refreshBlacklistGauge(c)

	c.JSON(http.StatusOK, api.SuccessResponse{Success: true, Message: "IP blacklisted"})
}

// RemoveBlacklistEntry lifts a block.
func RemoveBlacklistEntry(c *gin.Context) {
	ip := c.Param("ip")
	if ip == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "ip is required"})
		return
	}

	deps.Engine.Unblacklist(c.Request.Context(), ip)
	refreshBlacklistGauge(c)

	c.JSON(http.StatusOK, api.SuccessResponse{Success: true, Message: "IP removed from blacklist"})
}

// ListBlacklistEntries returns all stored entries, flagging the ones
// already expired but not yet compacted.
func ListBlacklistEntries(c *gin.Context) {
	entries, err := deps.Engine.ListBlacklist(c.Request.Context())
	if err != nil {
		deps.Logger.WithError(err).Error("Failed to list blacklist")
		c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{Error: "Service temporarily unavailable"})
		return
	}

	out := make([]api.BlacklistEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp := api.BlacklistEntryResponse{
			IP:        e.IP,
			Reason:    string(e.Reason),
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			Permanent: e.ExpiresAt == nil,
		}
		if e.ExpiresAt != nil {
			resp.ExpiresAt = e.ExpiresAt.UTC().Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "count": len(out)})
}

// UpdateTierRequest is the operator request to change a tenant's tier.
type UpdateTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// UpdateTenantTier changes a tenant's tier. The new limits apply on the
// tenant's next quota check; consumed windows are not recomputed.
func UpdateTenantTier(c *gin.Context) {
	tenantID := c.Param("id")

	var req UpdateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}
	tier, err := quota.ParseTier(req.Tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	if err := deps.Metadata.UpdateTier(c.Request.Context(), tenantID, tier); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Tenant not found"})
			return
		}
		deps.Logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to update tier")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Internal server error"})
		return
	}
	deps.Resolver.InvalidateTenant(tenantID)

	deps.Logger.WithFields(logging.Fields{"tenant_id": tenantID, "tier": tier}).
		Info("Tenant tier updated")
	c.JSON(http.StatusOK, api.SuccessResponse{Success: true, Message: "Tier updated"})
}

// ReportStorageRequest carries an out-of-band storage accounting event.
type ReportStorageRequest struct {
	CurrentGB float64 `json:"current_gb"`
}

// ReportTenantStorage replaces a tenant's storage gauge.
func ReportTenantStorage(c *gin.Context) {
	tenantID := c.Param("id")

	var req ReportStorageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}
	if req.CurrentGB < 0 {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "current_gb must not be negative"})
		return
	}

	if err := deps.Ledger.ReportStorage(c.Request.Context(), tenantID, req.CurrentGB); err != nil {
		deps.Logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to report storage")
		c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{Error: "Service temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, api.SuccessResponse{Success: true, Message: "Storage updated"})
}

// LoginEventRequest is an authentication outcome reported by the
// platform's auth service.
type LoginEventRequest struct {
	IP      string `json:"ip" binding:"required"`
	Account string `json:"account"`
	Success *bool  `json:"success" binding:"required"`
}

// RecordLoginEvent feeds an authentication outcome into the threat
// engine's failure tracking and account history.
func RecordLoginEvent(c *gin.Context) {
	var req LoginEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	deps.Engine.RecordLoginAttempt(c.Request.Context(), req.IP, req.Account, *req.Success)
	c.JSON(http.StatusOK, api.SuccessResponse{Success: true})
}

// refreshBlacklistGauge recomputes the per-reason entry counts after an
// operator change.
func refreshBlacklistGauge(c *gin.Context) {
	if deps.BlacklistGauge == nil {
		return
	}
	entries, err := deps.Engine.ListBlacklist(c.Request.Context())
	if err != nil {
		return
	}
	counts := map[string]int{
		string(threat.ReasonManual):     0,
		string(threat.ReasonBruteForce): 0,
		string(threat.ReasonRateAbuse):  0,
	}
	now := time.Now()
	for _, e := range entries {
		if e.Active(now) {
			counts[string(e.Reason)]++
		}
	}
	for reason, count := range counts {
		deps.BlacklistGauge.WithLabelValues(reason).Set(float64(count))
	}
}
