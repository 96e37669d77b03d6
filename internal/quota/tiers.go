package quota

import (
	"fmt"

	"gatekeeper/pkg/config"
)

// Tier is a tenant's subscription level.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierStarter, TierProfessional, TierEnterprise:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Limits is the structured limit record for one tier.
type Limits struct {
	HourlyCalls  int64
	MonthlyCalls int64
	StorageGB    float64
	Features     map[string]bool
}

// CallLimit returns the call ceiling for a window kind.
func (l Limits) CallLimit(kind WindowKind) int64 {
	if kind == WindowMonthly {
		return l.MonthlyCalls
	}
	return l.HourlyCalls
}

// TierConfig maps every tier to its limits. Loaded and validated once at
// startup; request-time lookups never see a partially configured table.
type TierConfig struct {
	limits map[Tier]Limits
}

// Limits returns the limit record for a tier. Unknown tiers fall back to
// the free tier so an unrecognized value never grants elevated limits.
func (tc TierConfig) Limits(tier Tier) Limits {
	if l, ok := tc.limits[tier]; ok {
		return l
	}
	return tc.limits[TierFree]
}

// LoadTierConfig builds the tier table from environment overrides on top
// of the platform defaults.
func LoadTierConfig() (TierConfig, error) {
	tc := TierConfig{limits: map[Tier]Limits{
		TierFree: {
			HourlyCalls:  config.GetEnvInt64("TIER_FREE_HOURLY", 100),
			MonthlyCalls: config.GetEnvInt64("TIER_FREE_MONTHLY", 10_000),
			StorageGB:    config.GetEnvFloat("TIER_FREE_STORAGE_GB", 1),
			Features:     map[string]bool{"analytics": false, "priority_support": false, "custom_domain": false},
		},
		TierStarter: {
			HourlyCalls:  config.GetEnvInt64("TIER_STARTER_HOURLY", 500),
			MonthlyCalls: config.GetEnvInt64("TIER_STARTER_MONTHLY", 100_000),
			StorageGB:    config.GetEnvFloat("TIER_STARTER_STORAGE_GB", 10),
			Features:     map[string]bool{"analytics": true, "priority_support": false, "custom_domain": false},
		},
		TierProfessional: {
			HourlyCalls:  config.GetEnvInt64("TIER_PROFESSIONAL_HOURLY", 5_000),
			MonthlyCalls: config.GetEnvInt64("TIER_PROFESSIONAL_MONTHLY", 1_000_000),
			StorageGB:    config.GetEnvFloat("TIER_PROFESSIONAL_STORAGE_GB", 100),
			Features:     map[string]bool{"analytics": true, "priority_support": true, "custom_domain": true},
		},
		TierEnterprise: {
			HourlyCalls:  config.GetEnvInt64("TIER_ENTERPRISE_HOURLY", 50_000),
			MonthlyCalls: config.GetEnvInt64("TIER_ENTERPRISE_MONTHLY", 10_000_000),
			StorageGB:    config.GetEnvFloat("TIER_ENTERPRISE_STORAGE_GB", 1_000),
			Features:     map[string]bool{"analytics": true, "priority_support": true, "custom_domain": true},
		},
	}}

	for tier, limits := range tc.limits {
		if limits.HourlyCalls <= 0 || limits.MonthlyCalls <= 0 {
			return TierConfig{}, fmt.Errorf("tier %s: call limits must be positive", tier)
		}
		if limits.MonthlyCalls < limits.HourlyCalls {
			return TierConfig{}, fmt.Errorf("tier %s: monthly limit below hourly limit", tier)
		}
		if limits.StorageGB < 0 {
			return TierConfig{}, fmt.Errorf("tier %s: negative storage limit", tier)
		}
	}
	return tc, nil
}

// FailMode decides what happens to quota checks when the counter store is
// unreachable. There is deliberately no default: fail-open risks quota
// abuse, fail-closed risks availability loss, so the deployment must pick.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// ParseFailMode rejects anything but an explicit open/closed choice.
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(s) {
	case FailOpen, FailClosed:
		return FailMode(s), nil
	case "":
		return "", fmt.Errorf("QUOTA_FAIL_MODE must be set to \"open\" or \"closed\"")
	}
	return "", fmt.Errorf("invalid QUOTA_FAIL_MODE %q", s)
}
