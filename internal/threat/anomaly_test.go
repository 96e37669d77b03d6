package threat

import (
	"testing"
	"time"
)

func defaultScorer() *Scorer {
	return NewScorer(ScorerConfig{
		NewIPWeight:        0.25,
		TravelWeight:       0.40,
		OffHoursWeight:     0.15,
		FirstLoginWeight:   0.20,
		ImpossibleSpeedKmh: 900,
		OffHoursStart:      22,
		OffHoursEnd:        6,
	})
}

func TestBandBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  Band
	}{
		{0.0, BandAllow},
		{0.29999, BandAllow},
		{0.3, BandAudit},
		{0.49999, BandAudit},
		{0.5, BandStepUp},
		{0.79999, BandStepUp},
		{0.8, BandBlock},
		{1.0, BandBlock},
	}
	for _, c := range cases {
		if got := BandFor(c.score); got != c.want {
			t.Errorf("BandFor(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestScoreIndividualSignals(t *testing.T) {
	s := defaultScorer()

	cases := []struct {
		name string
		sig  Signals
		want float64
	}{
		{"none", Signals{}, 0},
		{"new ip", Signals{NewIPForAccount: true}, 0.25},
		{"off hours", Signals{OffHours: true}, 0.15},
		{"first login", Signals{FirstLogin: true}, 0.20},
		{"impossible travel", Signals{TravelVelocityKmh: 900}, 0.40},
		{"beyond impossible clamps", Signals{TravelVelocityKmh: 5000}, 0.40},
		{"half speed scales", Signals{TravelVelocityKmh: 450}, 0.20},
	}
	for _, c := range cases {
		if got := s.Score(c.sig); !closeTo(got, c.want) {
			t.Errorf("%s: Score = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestScoreClampsToOne(t *testing.T) {
	s := NewScorer(ScorerConfig{
		NewIPWeight:        0.5,
		TravelWeight:       0.5,
		OffHoursWeight:     0.5,
		FirstLoginWeight:   0.5,
		ImpossibleSpeedKmh: 900,
	})
	sig := Signals{NewIPForAccount: true, TravelVelocityKmh: 2000, OffHours: true, FirstLogin: true}
	if got := s.Score(sig); got != 1.0 {
		t.Fatalf("score must clamp to 1.0, got %v", got)
	}
}

func TestIsOffHoursWrapsMidnight(t *testing.T) {
	s := defaultScorer()

	cases := []struct {
		hour int
		want bool
	}{
		{21, false},
		{22, true},
		{23, true},
		{0, true},
		{3, true},
		{5, true},
		{6, false},
		{12, false},
	}
	for _, c := range cases {
		ts := time.Date(2025, 3, 10, c.hour, 30, 0, 0, time.UTC)
		if got := s.IsOffHours(ts); got != c.want {
			t.Errorf("IsOffHours(hour=%d) = %v, want %v", c.hour, got, c.want)
		}
	}
}

func TestIsOffHoursNonWrapping(t *testing.T) {
	s := NewScorer(ScorerConfig{OffHoursStart: 1, OffHoursEnd: 5})

	if !s.IsOffHours(time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)) {
		t.Fatal("03:00 inside 1..5")
	}
	if s.IsOffHours(time.Date(2025, 3, 10, 5, 0, 0, 0, time.UTC)) {
		t.Fatal("05:00 is the exclusive end")
	}
	if s.IsOffHours(time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)) {
		t.Fatal("23:00 outside 1..5")
	}
}

func TestIsOffHoursUsesUTC(t *testing.T) {
	s := defaultScorer()

	// 23:00 in UTC+10 is 13:00 UTC, inside business hours.
	loc := time.FixedZone("UTC+10", 10*3600)
	if s.IsOffHours(time.Date(2025, 3, 10, 23, 0, 0, 0, loc)) {
		t.Fatal("off-hours evaluation must use UTC")
	}
}

func TestParseReason(t *testing.T) {
	for _, valid := range []string{"manual", "brute_force", "rate_abuse"} {
		if _, err := ParseReason(valid); err != nil {
			t.Errorf("ParseReason(%q): %v", valid, err)
		}
	}
	if _, err := ParseReason("vibes"); err == nil {
		t.Error("ParseReason should reject unknown reasons")
	}
}
