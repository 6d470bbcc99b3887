package domain

import (
	"errors"
	"testing"
	"time"
)

// --- Task lifecycle ---

func TestTask_RetryLifecycle(t *testing.T) {
	now := time.Now()
	task := &Task{State: TaskPending, MaxAttempts: 2}

	steps := []TaskState{TaskRunning, TaskFailed, TaskRetrying, TaskRunning, TaskFailed}
	for _, s := range steps {
		if err := task.Transition(s, now); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if task.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", task.Attempts)
	}
	if !task.Terminal() {
		t.Fatal("failed task at max attempts must be terminal")
	}
	if err := task.Transition(TaskRetrying, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTask_InvalidTransitions(t *testing.T) {
	now := time.Now()
	cases := []struct {
		from TaskState
		to   TaskState
	}{
		{TaskPending, TaskSucceeded},
		{TaskPending, TaskFailed},
		{TaskRunning, TaskRetrying},
		{TaskRetrying, TaskSucceeded},
	}
	for _, c := range cases {
		task := &Task{State: c.from, MaxAttempts: 3}
		if err := task.Transition(c.to, now); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", c.from, c.to, err)
		}
	}
}

func TestTask_TerminalStatesImmutable(t *testing.T) {
	now := time.Now()
	for _, final := range []TaskState{TaskSucceeded, TaskCancelled} {
		task := &Task{State: TaskPending, MaxAttempts: 3}
		_ = task.Transition(TaskRunning, now)
		if err := task.Transition(final, now); err != nil {
			t.Fatalf("to %s: %v", final, err)
		}
		if err := task.Transition(TaskRunning, now); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s must be immutable, got %v", final, err)
		}
	}
}

func TestTask_Finalize(t *testing.T) {
	now := time.Now()
	task := &Task{State: TaskPending, MaxAttempts: 5}
	_ = task.Transition(TaskRunning, now)
	_ = task.Transition(TaskFailed, now)
	if task.Terminal() {
		t.Fatal("failure with attempts left must not be terminal")
	}
	task.Finalize(now)
	if !task.Terminal() {
		t.Fatal("finalized failure must be terminal")
	}
}

// --- Requests ---

func TestAssessmentRequest_Validate(t *testing.T) {
	ok := AssessmentRequest{Scope: []string{"10.0.0.5"}, Objectives: []string{"network-recon"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid request: %v", err)
	}
	bad := []AssessmentRequest{
		{Objectives: []string{"x"}},
		{Scope: []string{""}, Objectives: []string{"x"}},
		{Scope: []string{"h"}},
		{Scope: []string{"h"}, Objectives: []string{"x"}, Budget: Budget{MaxTasks: -1}},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestAssessmentRequest_CloneIsDeep(t *testing.T) {
	r := AssessmentRequest{Scope: []string{"a"}, Objectives: []string{"x"}}
	c := r.Clone()
	r.Scope[0] = "mutated"
	if c.Scope[0] != "a" {
		t.Fatal("clone shares scope slice")
	}
}

// --- Targets ---

func TestClassifyTarget(t *testing.T) {
	tests := map[string]string{
		"10.0.0.5":            TargetIPv4,
		"::1":                 TargetIPv6,
		"10.0.0.0/24":         TargetNetwork,
		"example.com":         TargetHostname,
		"http://example.com":  TargetURL,
		"https://example.com": TargetHTTPS,
		"/evidence/mem.raw":   TargetFile,
		"./capture.pcap":      TargetFile,
		"not a host":          TargetUnknown,
		"":                    TargetUnknown,
	}
	for in, want := range tests {
		if got := ClassifyTarget(in); got != want {
			t.Errorf("ClassifyTarget(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFindingSet_Sort(t *testing.T) {
	fs := FindingSet{Findings: []Finding{{Priority: 0.2}, {Priority: 0.9}, {Priority: 0.5}}}
	fs.Sort()
	if fs.Findings[0].Priority != 0.9 || fs.Findings[2].Priority != 0.2 {
		t.Fatalf("unexpected order: %+v", fs.Findings)
	}
	if MaxPriority(fs.Findings) != 0.9 {
		t.Error("MaxPriority mismatch")
	}
}
