package threat

import (
	"time"

	"gatekeeper/pkg/config"
)

// Band is the consequence tier for an anomaly score. The band
// boundaries are a contract with downstream handling: callers switch on
// the band, never on the raw score.
type Band string

const (
	BandAllow  Band = "allow"   // < 0.3: admit silently
	BandAudit  Band = "audit"   // [0.3, 0.5): admit, log for monitoring
	BandStepUp Band = "step_up" // [0.5, 0.8): admit only after step-up auth
	BandBlock  Band = "block"   // >= 0.8: block and raise a security alert
)

// BandFor maps a score to its consequence band. Boundaries belong to
// the higher band: 0.3 audits, 0.5 steps up, 0.8 blocks.
func BandFor(score float64) Band {
	switch {
	case score >= 0.8:
		return BandBlock
	case score >= 0.5:
		return BandStepUp
	case score >= 0.3:
		return BandAudit
	default:
		return BandAllow
	}
}

// Signals are the inputs to one anomaly evaluation. Composed per login
// attempt and discarded after the decision.
type Signals struct {
	// NewIPForAccount: this IP has never successfully logged in to the
	// account before.
	NewIPForAccount bool
	// TravelVelocityKmh is the implied speed between the previous
	// login's location and this one. Zero when either location is
	// unknown.
	TravelVelocityKmh float64
	// OffHours: the attempt falls in the platform's quiet hours.
	OffHours bool
	// FirstLogin: the account has no login history at all.
	FirstLogin bool
}

// ScorerConfig holds the platform-global anomaly weights. Weights are
// deliberately not tenant-configurable.
type ScorerConfig struct {
	NewIPWeight      float64
	TravelWeight     float64
	OffHoursWeight   float64
	FirstLoginWeight float64

	// ImpossibleSpeedKmh is the velocity treated as fully implausible;
	// slower travel contributes proportionally.
	ImpossibleSpeedKmh float64

	// Quiet hours in UTC. Start > End means the range wraps midnight.
	OffHoursStart int
	OffHoursEnd   int
}

// LoadScorerConfig reads the anomaly weights from the environment.
func LoadScorerConfig() ScorerConfig {
	return ScorerConfig{
		NewIPWeight:        config.GetEnvFloat("ANOMALY_WEIGHT_NEW_IP", 0.25),
		TravelWeight:       config.GetEnvFloat("ANOMALY_WEIGHT_TRAVEL", 0.40),
		OffHoursWeight:     config.GetEnvFloat("ANOMALY_WEIGHT_OFF_HOURS", 0.15),
		FirstLoginWeight:   config.GetEnvFloat("ANOMALY_WEIGHT_FIRST_LOGIN", 0.20),
		ImpossibleSpeedKmh: config.GetEnvFloat("ANOMALY_IMPOSSIBLE_SPEED_KMH", 900),
		OffHoursStart:      config.GetEnvInt("ANOMALY_OFF_HOURS_START", 22),
		OffHoursEnd:        config.GetEnvInt("ANOMALY_OFF_HOURS_END", 6),
	}
}

// Scorer combines independent signals into a single score in [0, 1].
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer creates a scorer from config.
func NewScorer(cfg ScorerConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the weighted anomaly score. Boolean signals contribute
// their full weight; travel velocity scales with implausibility.
func (s *Scorer) Score(sig Signals) float64 {
	score := 0.0
	if sig.NewIPForAccount {
		score += s.cfg.NewIPWeight
	}
	if sig.TravelVelocityKmh > 0 && s.cfg.ImpossibleSpeedKmh > 0 {
		ratio := sig.TravelVelocityKmh / s.cfg.ImpossibleSpeedKmh
		if ratio > 1 {
			ratio = 1
		}
		score += s.cfg.TravelWeight * ratio
	}
	if sig.OffHours {
		score += s.cfg.OffHoursWeight
	}
	if sig.FirstLogin {
		score += s.cfg.FirstLoginWeight
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// IsOffHours reports whether t falls inside the configured quiet hours.
func (s *Scorer) IsOffHours(t time.Time) bool {
	hour := t.UTC().Hour()
	start, end := s.cfg.OffHoursStart, s.cfg.OffHoursEnd
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	// Wraps midnight, e.g. 22..6.
	return hour >= start || hour < end
}
