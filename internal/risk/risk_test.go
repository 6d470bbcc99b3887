package risk

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/jkaninda/kaliagents/internal/domain"
)

// --- Membership ---

func TestFuzzify_PartitionOfUnity(t *testing.T) {
	for x := 0.0; x <= 1.0; x += 0.01 {
		m := Fuzzify(x)
		if sum := m[0] + m[1] + m[2]; math.Abs(sum-1) > 1e-9 {
			t.Fatalf("memberships at %v sum to %v", x, sum)
		}
	}
	if m := Fuzzify(0); m[Low] != 1 {
		t.Errorf("low(0) = %v, want 1", m[Low])
	}
	if m := Fuzzify(1); m[High] != 1 {
		t.Errorf("high(1) = %v, want 1", m[High])
	}
}

func TestTriangular_Degree(t *testing.T) {
	tri := Triangular{A: 0.2, B: 0.5, C: 0.8}
	cases := map[float64]float64{0.1: 0, 0.2: 0, 0.35: 0.5, 0.5: 1, 0.65: 0.5, 0.8: 0, 0.9: 0}
	for x, want := range cases {
		if got := tri.Degree(x); math.Abs(got-want) > 1e-9 {
			t.Errorf("Degree(%v) = %v, want %v", x, got, want)
		}
	}
}

// --- Scoring ---

func TestScore_HighRiskFinding(t *testing.T) {
	got := Default().Score(0.9, 0.8, 0.7)
	if got < 0.8 {
		t.Fatalf("Score(0.9, 0.8, 0.7) = %v, want >= 0.8", got)
	}
}

func TestScore_Range(t *testing.T) {
	s := Default()
	if got := s.Score(0, 0, 0); math.Abs(got-0.05) > 1e-9 {
		t.Errorf("Score(0,0,0) = %v, want 0.05", got)
	}
	if got := s.Score(1, 1, 1); math.Abs(got-0.95) > 1e-9 {
		t.Errorf("Score(1,1,1) = %v, want 0.95", got)
	}
	if got := s.Score(-3, math.NaN(), 7); got < 0 || got > 1 {
		t.Errorf("clamped score out of range: %v", got)
	}
}

func TestScore_MonotonicGrid(t *testing.T) {
	s := Default()
	const steps = 20
	at := func(i int) float64 { return float64(i) / steps }
	for i := 0; i <= steps; i++ {
		for j := 0; j <= steps; j++ {
			for k := 0; k <= steps; k++ {
				base := s.Score(at(i), at(j), at(k))
				if i < steps && s.Score(at(i+1), at(j), at(k)) < base-1e-12 {
					t.Fatalf("severity not monotonic at (%v,%v,%v)", at(i), at(j), at(k))
				}
				if j < steps && s.Score(at(i), at(j+1), at(k)) < base-1e-12 {
					t.Fatalf("exploitability not monotonic at (%v,%v,%v)", at(i), at(j), at(k))
				}
				if k < steps && s.Score(at(i), at(j), at(k+1)) < base-1e-12 {
					t.Fatalf("asset value not monotonic at (%v,%v,%v)", at(i), at(j), at(k))
				}
			}
		}
	}
}

func TestScore_MonotonicRandomPairs(t *testing.T) {
	s := Default()
	rng := rand.New(rand.NewPCG(7, 11))
	for n := 0; n < 5000; n++ {
		in := [3]float64{rng.Float64(), rng.Float64(), rng.Float64()}
		axis := rng.IntN(3)
		bumped := in
		bumped[axis] = in[axis] + rng.Float64()*(1-in[axis])
		lo := s.Score(in[0], in[1], in[2])
		hi := s.Score(bumped[0], bumped[1], bumped[2])
		if hi < lo-1e-12 {
			t.Fatalf("axis %d: Score(%v) = %v > Score(%v) = %v", axis, in, lo, bumped, hi)
		}
	}
}

// --- Rule base validation ---

func TestNewScorer_RejectsNonMonotonic(t *testing.T) {
	rules := DefaultRules()
	for i := range rules {
		if rules[i].Severity == High && rules[i].Exploitability == High && rules[i].AssetValue == High {
			rules[i].Then = OutInfo
		}
	}
	if _, err := NewScorer(rules); !errors.Is(err, ErrNonMonotonicRules) {
		t.Fatalf("expected ErrNonMonotonicRules, got %v", err)
	}
}

func TestNewScorer_RejectsIncomplete(t *testing.T) {
	rules := DefaultRules()[1:]
	if _, err := NewScorer(rules); !errors.Is(err, ErrIncompleteRules) {
		t.Fatalf("expected ErrIncompleteRules, got %v", err)
	}
}

func TestNewScorer_RejectsDuplicate(t *testing.T) {
	rules := append(DefaultRules(), Rule{Severity: Low, Exploitability: Low, AssetValue: Low, Then: OutInfo})
	if _, err := NewScorer(rules); err == nil {
		t.Fatal("expected duplicate rule error")
	}
}

// --- Findings ---

func TestScoreFinding(t *testing.T) {
	f := Default().ScoreFinding(domain.Finding{Severity: 0.9, Exploitability: 0.8, AssetValue: 0.7})
	if !f.Scored || f.Priority < 0.8 {
		t.Fatalf("unexpected finding: %+v", f)
	}
	if f.Band != domain.BandHigh && f.Band != domain.BandCritical {
		t.Errorf("band = %s", f.Band)
	}
}

func TestBand(t *testing.T) {
	cases := map[float64]domain.Band{
		0.0: domain.BandInfo, 0.2: domain.BandLow, 0.5: domain.BandMedium,
		0.7: domain.BandHigh, 0.9: domain.BandCritical,
	}
	for p, want := range cases {
		if got := Band(p); got != want {
			t.Errorf("Band(%v) = %s, want %s", p, got, want)
		}
	}
}
