package simulate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/worker"
)

func TestBuiltins_CoverCatalog(t *testing.T) {
	s := Builtins(Options{Seed: 1})
	if got, want := len(s.Descriptors()), len(capability.Builtins()); got != want {
		t.Fatalf("descriptors = %d, want %d", got, want)
	}
}

func TestInvoke_FindingsParse(t *testing.T) {
	s := Builtins(Options{Seed: 1, SuccessRate: 1, Latency: time.Millisecond})
	out, err := s.Invoke(context.Background(), "nmap_scan", capability.Params{"target": "10.0.0.5", "scan_type": "stealth", "ports": "top-1000", "timing": 3}, time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	findings, err := worker.ParseFindingsJSON(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(findings) < 2 {
		t.Fatalf("findings = %d, want >= 2", len(findings))
	}
	if findings[0].Evidence["target"] != "10.0.0.5" {
		t.Errorf("evidence = %v", findings[0].Evidence)
	}
	if s.Calls("nmap_scan") != 1 {
		t.Errorf("calls = %d", s.Calls("nmap_scan"))
	}
}

func TestInvoke_CoverageGatesFindings(t *testing.T) {
	s := Builtins(Options{Seed: 1, SuccessRate: 1, Latency: time.Millisecond})
	narrow, _ := s.Invoke(context.Background(), "nmap_scan", capability.Params{"target": "h", "scan_type": "stealth", "ports": "top-1000", "timing": 0}, time.Second)
	wide, _ := s.Invoke(context.Background(), "nmap_scan", capability.Params{"target": "h", "scan_type": "aggressive", "ports": "all", "timing": 5}, time.Second)
	n, _ := worker.ParseFindingsJSON(narrow)
	w, _ := worker.ParseFindingsJSON(wide)
	if len(w) <= len(n) {
		t.Errorf("wide scan found %d, narrow %d", len(w), len(n))
	}
}

func TestInvoke_Failure(t *testing.T) {
	s := New(3)
	s.Add(capability.Descriptor{ToolID: "flaky", Domain: "network", OutputSchema: capability.SchemaFindingsJSON}, Profile{SuccessRate: 0})
	_, err := s.Invoke(context.Background(), "flaky", nil, time.Second)
	if !errors.Is(err, worker.ErrToolUnavailable) {
		t.Fatalf("expected ErrToolUnavailable, got %v", err)
	}
	if _, err := s.Invoke(context.Background(), "ghost", nil, time.Second); !errors.Is(err, worker.ErrToolUnavailable) {
		t.Fatalf("expected ErrToolUnavailable for unknown tool, got %v", err)
	}
}

func TestInvoke_LatencyHonoursContext(t *testing.T) {
	s := New(3)
	s.Add(capability.Descriptor{ToolID: "slow", Domain: "network", OutputSchema: capability.SchemaFindingsJSON}, Profile{SuccessRate: 1, Latency: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Invoke(ctx, "slow", nil, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDeterministic(t *testing.T) {
	run := func() []bool {
		s := New(42)
		s.Add(capability.Descriptor{ToolID: "coin", Domain: "network", OutputSchema: capability.SchemaFindingsJSON}, Profile{SuccessRate: 0.5})
		var out []bool
		for i := 0; i < 20; i++ {
			_, err := s.Invoke(context.Background(), "coin", nil, time.Second)
			out = append(out, err == nil)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("run diverged at %d", i)
		}
	}
}
