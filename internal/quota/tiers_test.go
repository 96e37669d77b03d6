package quota

import "testing"

func TestParseTier(t *testing.T) {
	for _, valid := range []string{"free", "starter", "professional", "enterprise"} {
		if _, err := ParseTier(valid); err != nil {
			t.Fatalf("expected %q to parse: %v", valid, err)
		}
	}
	if _, err := ParseTier("platinum"); err == nil {
		t.Fatalf("expected unknown tier to fail")
	}
	if _, err := ParseTier(""); err == nil {
		t.Fatalf("expected empty tier to fail")
	}
}

func TestLoadTierConfigDefaults(t *testing.T) {
	tc, err := LoadTierConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	starter := tc.Limits(TierStarter)
	if starter.HourlyCalls != 500 {
		t.Fatalf("expected starter 500/hour, got %d", starter.HourlyCalls)
	}
	if !starter.Features["analytics"] {
		t.Fatalf("expected starter analytics feature")
	}

	// Unknown tiers must fall back to free, never grant more.
	unknown := tc.Limits(Tier("platinum"))
	if unknown.HourlyCalls != tc.Limits(TierFree).HourlyCalls {
		t.Fatalf("expected unknown tier to use free limits")
	}
}

func TestLoadTierConfigRejectsInvalidOverrides(t *testing.T) {
	t.Setenv("TIER_FREE_HOURLY", "0")
	if _, err := LoadTierConfig(); err == nil {
		t.Fatalf("expected zero hourly limit to be rejected")
	}
	t.Setenv("TIER_FREE_HOURLY", "200")
	t.Setenv("TIER_FREE_MONTHLY", "100")
	if _, err := LoadTierConfig(); err == nil {
		t.Fatalf("expected monthly < hourly to be rejected")
	}
}

func TestParseFailModeRequiresExplicitChoice(t *testing.T) {
	if _, err := ParseFailMode(""); err == nil {
		t.Fatalf("expected missing fail mode to be an error")
	}
	if _, err := ParseFailMode("maybe"); err == nil {
		t.Fatalf("expected invalid fail mode to be an error")
	}
	if mode, err := ParseFailMode("open"); err != nil || mode != FailOpen {
		t.Fatalf("expected open, got %v %v", mode, err)
	}
	if mode, err := ParseFailMode("closed"); err != nil || mode != FailClosed {
		t.Fatalf("expected closed, got %v %v", mode, err)
	}
}
