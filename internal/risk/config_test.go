package risk

import (
	"testing"

	"github.com/jkaninda/kaliagents/internal/config"
)

func TestFromConfig_NilIsDefault(t *testing.T) {
	s, err := FromConfig(nil)
	if err != nil {
		t.Fatalf("FromConfig(nil): %v", err)
	}
	if got, want := s.Score(0.9, 0.8, 0.7), Default().Score(0.9, 0.8, 0.7); got != want {
		t.Errorf("score = %v, want default %v", got, want)
	}
}

func TestFromConfig_RoundTripsDefaultRules(t *testing.T) {
	var cfg config.RiskConfig
	for _, r := range DefaultRules() {
		cfg.Rules = append(cfg.Rules, config.RuleConfig{
			Severity:       r.Severity.String(),
			Exploitability: r.Exploitability.String(),
			AssetValue:     r.AssetValue.String(),
			Then:           [...]string{"info", "low", "medium", "high", "critical"}[r.Then],
		})
	}
	s, err := FromConfig(&cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	for _, in := range [][3]float64{{0.9, 0.8, 0.7}, {0.1, 0.2, 0.3}, {0.5, 0.5, 0.5}} {
		if got, want := s.Score(in[0], in[1], in[2]), Default().Score(in[0], in[1], in[2]); got != want {
			t.Errorf("Score(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestFromConfig_BadTerms(t *testing.T) {
	tests := []config.RuleConfig{
		{Severity: "huge", Exploitability: "low", AssetValue: "low", Then: "info"},
		{Severity: "low", Exploitability: "low", AssetValue: "low", Then: "urgent"},
	}
	for _, rc := range tests {
		if _, err := FromConfig(&config.RiskConfig{Rules: []config.RuleConfig{rc}}); err == nil {
			t.Errorf("FromConfig(%+v) should fail", rc)
		}
	}
	if _, err := FromConfig(&config.RiskConfig{Rules: []config.RuleConfig{{Severity: "low", Exploitability: "low", AssetValue: "low", Then: "info"}}}); err == nil {
		t.Error("an incomplete rule base should fail")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"low": Low, "Medium": Medium, " HIGH ": High} {
		if got, err := ParseLevel(in); err != nil || got != want {
			t.Errorf("ParseLevel(%q) = (%v, %v)", in, got, err)
		}
	}
}
