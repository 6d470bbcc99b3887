package risk

import (
	"fmt"
	"strings"

	"github.com/jkaninda/kaliagents/internal/config"
)

// ParseLevel parses low, medium or high.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// ParseOutput parses info, low, medium, high or critical.
func ParseOutput(s string) (Output, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return OutInfo, nil
	case "low":
		return OutLow, nil
	case "medium":
		return OutMedium, nil
	case "high":
		return OutHigh, nil
	case "critical":
		return OutCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// FromConfig builds a scorer from cfg, or the default scorer when cfg is nil.
func FromConfig(cfg *config.RiskConfig) (*Scorer, error) {
	if cfg == nil || len(cfg.Rules) == 0 {
		return Default(), nil
	}
	rules := make([]Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		var (
			r   Rule
			err error
		)
		if r.Severity, err = ParseLevel(rc.Severity); err != nil {
			return nil, fmt.Errorf("rule %d severity: %w", i, err)
		}
		if r.Exploitability, err = ParseLevel(rc.Exploitability); err != nil {
			return nil, fmt.Errorf("rule %d exploitability: %w", i, err)
		}
		if r.AssetValue, err = ParseLevel(rc.AssetValue); err != nil {
			return nil, fmt.Errorf("rule %d asset_value: %w", i, err)
		}
		if r.Then, err = ParseOutput(rc.Then); err != nil {
			return nil, fmt.Errorf("rule %d then: %w", i, err)
		}
		rules = append(rules, r)
	}
	return NewScorer(rules)
}
