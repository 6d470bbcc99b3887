// Package risk maps raw finding attributes to a normalized priority using
// fuzzy membership, a rule base and weighted-average defuzzification.
//
// Each input is fuzzified through low/medium/high triangular sets that form
// a partition of unity on [0,1]. With the product t-norm every input point
// fires a convex mix of at most eight grid rules, so the output interpolates
// the rule consequents between grid points. A rule base whose consequents
// never decrease along any axis therefore yields a score that never
// decreases in any input; NewScorer rejects rule bases that break this.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/jkaninda/kaliagents/internal/domain"
)

// Level is a linguistic term of an input variable.
type Level int

const (
	Low Level = iota
	Medium
	High
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Output is a linguistic term of the priority variable.
type Output int

const (
	OutInfo Output = iota
	OutLow
	OutMedium
	OutHigh
	OutCritical
)

// centroids of the output sets, in Output order.
var centroids = [...]float64{0.05, 0.25, 0.5, 0.75, 0.95}

// Centroid returns the defuzzification value of o.
func (o Output) Centroid() float64 {
	if o < OutInfo || o > OutCritical {
		return 0
	}
	return centroids[o]
}

// Triangular is a triangular membership function with feet a, c and peak b.
// a == b or b == c gives a shoulder.
type Triangular struct {
	A, B, C float64
}

// Degree returns the membership of x.
func (t Triangular) Degree(x float64) float64 {
	switch {
	case x == t.B:
		return 1
	case x <= t.A || x >= t.C:
		return 0
	case x < t.B:
		return (x - t.A) / (t.B - t.A)
	default:
		return (t.C - x) / (t.C - t.B)
	}
}

// Input sets shared by all three variables.
var sets = [3]Triangular{
	Low:    {A: 0, B: 0, C: 0.5},
	Medium: {A: 0, B: 0.5, C: 1},
	High:   {A: 0.5, B: 1, C: 1},
}

// Fuzzify returns the membership degrees of x in low, medium and high.
// x is clamped to [0,1].
func Fuzzify(x float64) [3]float64 {
	x = clamp01(x)
	return [3]float64{sets[Low].Degree(x), sets[Medium].Degree(x), sets[High].Degree(x)}
}

// Rule is "IF severity is S AND exploitability is E AND asset value is A
// THEN priority is Then".
type Rule struct {
	Severity       Level
	Exploitability Level
	AssetValue     Level
	Then           Output
}

func (r Rule) String() string {
	return fmt.Sprintf("IF severity is %s AND exploitability is %s AND asset value is %s THEN priority is %d",
		r.Severity, r.Exploitability, r.AssetValue, r.Then)
}

// ErrNonMonotonicRules is returned for a rule base whose consequents decrease
// along some input axis.
var ErrNonMonotonicRules = errors.New("rule base is not monotonic")

// ErrIncompleteRules is returned when a level combination has no rule.
var ErrIncompleteRules = errors.New("rule base does not cover every level combination")

// DefaultRules returns the standard rule base. Severity and exploitability
// weigh twice as much as asset value:
//
//	rank = 2·severity + 2·exploitability + asset (levels 0..2)
//	rank ≥ 9 critical, ≥ 7 high, ≥ 5 medium, ≥ 3 low, else info
func DefaultRules() []Rule {
	rules := make([]Rule, 0, 27)
	for s := Low; s <= High; s++ {
		for e := Low; e <= High; e++ {
			for a := Low; a <= High; a++ {
				rank := 2*int(s) + 2*int(e) + int(a)
				var out Output
				switch {
				case rank >= 9:
					out = OutCritical
				case rank >= 7:
					out = OutHigh
				case rank >= 5:
					out = OutMedium
				case rank >= 3:
					out = OutLow
				default:
					out = OutInfo
				}
				rules = append(rules, Rule{Severity: s, Exploitability: e, AssetValue: a, Then: out})
			}
		}
	}
	return rules
}

// Scorer computes finding priorities. It is immutable and safe for
// concurrent use.
type Scorer struct {
	table [3][3][3]float64
}

// NewScorer builds a scorer from rules. Every level combination must be
// covered exactly once and consequents must be monotone along each axis.
func NewScorer(rules []Rule) (*Scorer, error) {
	var seen [3][3][3]bool
	s := &Scorer{}
	for _, r := range rules {
		if !validLevel(r.Severity) || !validLevel(r.Exploitability) || !validLevel(r.AssetValue) {
			return nil, fmt.Errorf("invalid level in rule %q", r)
		}
		if r.Then < OutInfo || r.Then > OutCritical {
			return nil, fmt.Errorf("invalid consequent in rule %q", r)
		}
		if seen[r.Severity][r.Exploitability][r.AssetValue] {
			return nil, fmt.Errorf("duplicate rule %q", r)
		}
		seen[r.Severity][r.Exploitability][r.AssetValue] = true
		s.table[r.Severity][r.Exploitability][r.AssetValue] = r.Then.Centroid()
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				if !seen[i][j][k] {
					return nil, fmt.Errorf("%w: missing %s/%s/%s", ErrIncompleteRules, Level(i), Level(j), Level(k))
				}
			}
		}
	}
	if err := s.checkMonotonic(); err != nil {
		return nil, err
	}
	return s, nil
}

// Default returns a scorer over DefaultRules.
func Default() *Scorer {
	s, err := NewScorer(DefaultRules())
	if err != nil {
		panic("risk: default rules: " + err.Error())
	}
	return s
}

func (s *Scorer) checkMonotonic() error {
	t := &s.table
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				if i > 0 && t[i][j][k] < t[i-1][j][k] {
					return fmt.Errorf("%w: severity %s -> %s at %s/%s", ErrNonMonotonicRules, Level(i-1), Level(i), Level(j), Level(k))
				}
				if j > 0 && t[i][j][k] < t[i][j-1][k] {
					return fmt.Errorf("%w: exploitability %s -> %s at %s/%s", ErrNonMonotonicRules, Level(j-1), Level(j), Level(i), Level(k))
				}
				if k > 0 && t[i][j][k] < t[i][j][k-1] {
					return fmt.Errorf("%w: asset value %s -> %s at %s/%s", ErrNonMonotonicRules, Level(k-1), Level(k), Level(i), Level(j))
				}
			}
		}
	}
	return nil
}

// Score returns the priority in [0,1] for the given attributes.
// Inputs outside [0,1] are clamped; NaN is treated as 0.
func (s *Scorer) Score(severity, exploitability, assetValue float64) float64 {
	ms, me, ma := Fuzzify(severity), Fuzzify(exploitability), Fuzzify(assetValue)
	var num, den float64
	for i := 0; i < 3; i++ {
		if ms[i] == 0 {
			continue
		}
		for j := 0; j < 3; j++ {
			if me[j] == 0 {
				continue
			}
			for k := 0; k < 3; k++ {
				w := ms[i] * me[j] * ma[k]
				if w == 0 {
					continue
				}
				num += w * s.table[i][j][k]
				den += w
			}
		}
	}
	if den == 0 {
		return 0
	}
	return clamp01(num / den)
}

// ScoreFinding returns f with its priority and band attached.
func (s *Scorer) ScoreFinding(f domain.Finding) domain.Finding {
	p := s.Score(f.Severity, f.Exploitability, f.AssetValue)
	return f.WithPriority(p, Band(p))
}

// Band buckets a priority.
func Band(priority float64) domain.Band {
	switch {
	case priority >= 0.85:
		return domain.BandCritical
	case priority >= 0.65:
		return domain.BandHigh
	case priority >= 0.4:
		return domain.BandMedium
	case priority >= 0.15:
		return domain.BandLow
	}
	return domain.BandInfo
}

func validLevel(l Level) bool { return l >= Low && l <= High }

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
