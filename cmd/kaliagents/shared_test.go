package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/config"
	"github.com/jkaninda/kaliagents/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func simulatedConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage = &config.StorageConfig{Driver: "memory"}
	cfg.Tools.Simulate = &config.SimulateConfig{Seed: 7, SuccessRate: 1, LatencyMS: 1}
	return cfg
}

// --- Tool assembly ---

func TestWithBuiltinDescriptors(t *testing.T) {
	cfgs := []config.ExecToolConfig{
		{Descriptor: capability.Descriptor{ToolID: "nmap_scan"}, Command: "nmap"},
		{Descriptor: capability.Descriptor{ToolID: "nmap_scan", Domain: "custom"}, Command: "nmap"},
		{Descriptor: capability.Descriptor{ToolID: "whois", Domain: "network"}, Command: "whois"},
	}

	got := withBuiltinDescriptors(cfgs, true)
	if got[0].Domain != capability.DomainNetwork || len(got[0].Params) == 0 {
		t.Errorf("builtin entry not filled: %+v", got[0].Descriptor)
	}
	if got[0].Command != "nmap" {
		t.Errorf("command lost: %q", got[0].Command)
	}
	if got[1].Domain != "custom" {
		t.Errorf("explicit domain overwritten: %q", got[1].Domain)
	}
	if got[2].ToolID != "whois" || len(got[2].Params) != 0 {
		t.Errorf("non-builtin entry changed: %+v", got[2].Descriptor)
	}
	if cfgs[0].Domain != "" {
		t.Error("input slice was modified")
	}

	if off := withBuiltinDescriptors(cfgs, false); off[0].Domain != "" {
		t.Error("builtins disabled should leave entries untouched")
	}
}

func TestWithoutRegistered(t *testing.T) {
	reg := capability.NewRegistry()
	if err := capability.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	cfgs := []config.ExecToolConfig{
		{Descriptor: capability.Descriptor{ToolID: "nmap_scan"}},
		{Descriptor: capability.Descriptor{ToolID: "whois"}},
	}
	got := withoutRegistered(cfgs, reg)
	if len(got) != 1 || got[0].ToolID != "whois" {
		t.Fatalf("got %+v", got)
	}
}

func TestAPIKeyCallers(t *testing.T) {
	got := apiKeyCallers([]string{"alpha", "beta"})
	if got["alpha"] != "key-1" || got["beta"] != "key-2" || len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if len(apiKeyCallers(nil)) != 0 {
		t.Error("nil keys should map to an empty set")
	}
}

// --- Wiring ---

func TestInitCore_Simulated(t *testing.T) {
	c, err := initCore(context.Background(), simulatedConfig(), discardLogger(), true)
	if err != nil {
		t.Fatalf("initCore: %v", err)
	}
	defer c.Cleanup()

	if c.Simulator == nil {
		t.Fatal("simulator not set")
	}
	if !c.Registry.Sealed() {
		t.Error("registry not sealed")
	}
	if got, want := c.Registry.Len(), len(capability.Builtins()); got != want {
		t.Errorf("registered = %d, want %d", got, want)
	}
}

func TestInitShared_RunsAssessment(t *testing.T) {
	ctx := context.Background()
	c, err := initShared(ctx, simulatedConfig(), discardLogger(), true)
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer c.Cleanup()

	for _, d := range c.Registry.Domains() {
		if !c.Pools.Has(d) {
			t.Errorf("no pool for domain %q", d)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	fs, _ := c.Engine.Supervisor().Run(runCtx, domain.AssessmentRequest{
		Scope:      []string{"10.0.0.5"},
		Objectives: []string{"network-recon"},
		Budget:     domain.Budget{MaxTasks: 3},
	})
	if fs == nil {
		t.Fatal("nil finding set")
	}
	if fs.Status != domain.SessionCompleted && fs.Status != domain.SessionAborted {
		t.Errorf("status = %s, want terminal", fs.Status)
	}
	if n := len(fs.Tasks); n == 0 || n > 3 {
		t.Errorf("tasks = %d, want 1..3", n)
	}
	if len(c.Learning.Snapshot()) == 0 {
		t.Error("learning store recorded nothing")
	}

	if err := c.Store.SaveReport(ctx, fs); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if _, err := c.Store.GetReport(ctx, fs.AssessmentID); err != nil {
		t.Errorf("GetReport: %v", err)
	}
}
