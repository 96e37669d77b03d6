package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/quota"
	"gatekeeper/pkg/api"
)

// GetUsage returns the calling tenant's consumption across both call
// windows plus storage, from one consistent snapshot.
func GetUsage(c *gin.Context) {
	tc, ok := admission.TenantFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "Authentication required"})
		return
	}

	snapshot, err := deps.Ledger.GetUsageSnapshot(c.Request.Context(), tc.TenantID, tc.Tier)
	if err != nil {
		if errors.Is(err, quota.ErrBackendUnavailable) {
			c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{Error: "Service temporarily unavailable"})
			return
		}
		deps.Logger.WithError(err).WithField("tenant_id", tc.TenantID).Error("Failed to read usage snapshot")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, api.UsageResponse{
		TenantID: tc.TenantID,
		Tier:     string(tc.Tier),
		APICalls: map[string]api.WindowUsage{
			"hourly":  windowUsage(snapshot.Hourly),
			"monthly": windowUsage(snapshot.Monthly),
		},
		Storage: api.StorageUsage{
			CurrentGB: snapshot.Storage.CurrentGB,
			LimitGB:   snapshot.Storage.LimitGB,
		},
		Features: deps.Ledger.Features(tc.Tier),
	})
}

func windowUsage(d quota.Decision) api.WindowUsage {
	usage := api.WindowUsage{
		Current:   d.Current,
		Limit:     d.Limit,
		Remaining: d.Remaining,
	}
	if d.Limit > 0 {
		usage.Percentage = float64(d.Current) / float64(d.Limit) * 100
	}
	return usage
}
