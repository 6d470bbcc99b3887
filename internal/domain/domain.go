// Package domain defines the entity types shared across the orchestrator:
// assessment requests, tasks, tool invocations and findings.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kaliagents/internal/capability"
)

// Budget bounds an assessment. Zero values mean unlimited.
type Budget struct {
	MaxTasks    int           `json:"max_tasks" yaml:"max_tasks"`
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`
}

// AssessmentRequest is an accepted assessment goal. Immutable once accepted.
type AssessmentRequest struct {
	ID          uuid.UUID `json:"id"`
	Scope       []string  `json:"scope"`      // Addressable entities: hosts, CIDRs, hostnames, URLs.
	Objectives  []string  `json:"objectives"` // Objective tags, e.g. "network-recon".
	Budget      Budget    `json:"budget"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Validate checks the request is well-formed.
func (r AssessmentRequest) Validate() error {
	if len(r.Scope) == 0 {
		return errors.New("scope must contain at least one target")
	}
	for _, s := range r.Scope {
		if s == "" {
			return errors.New("scope contains an empty target")
		}
	}
	if len(r.Objectives) == 0 {
		return errors.New("at least one objective is required")
	}
	if r.Budget.MaxTasks < 0 {
		return fmt.Errorf("max_tasks must be >= 0, got %d", r.Budget.MaxTasks)
	}
	if r.Budget.MaxDuration < 0 {
		return fmt.Errorf("max_duration must be >= 0, got %s", r.Budget.MaxDuration)
	}
	return nil
}

// Clone returns a deep copy so the accepted request cannot be mutated by the
// submitter.
func (r AssessmentRequest) Clone() AssessmentRequest {
	r.Scope = append([]string(nil), r.Scope...)
	r.Objectives = append([]string(nil), r.Objectives...)
	return r
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskRetrying  TaskState = "retrying"
	TaskCancelled TaskState = "cancelled"
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid task state transition")

// Task is a single tool execution within an assessment.
type Task struct {
	ID           uuid.UUID         `json:"id"`
	AssessmentID uuid.UUID         `json:"assessment_id"`
	ParentID     *uuid.UUID        `json:"parent_id,omitempty"` // Set for follow-ups spawned by re-planning.
	Domain       string            `json:"domain"`
	Objective    string            `json:"objective"`
	Target       string            `json:"target"`
	TargetState  string            `json:"target_state"`
	ToolID       string            `json:"tool_id,omitempty"`
	Params       capability.Params `json:"params,omitempty"`
	State        TaskState         `json:"state"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	Depth        int               `json:"depth"` // 0 for planned tasks, parent depth + 1 for follow-ups.
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// Terminal reports whether the task can no longer change state.
func (t *Task) Terminal() bool {
	switch t.State {
	case TaskSucceeded, TaskCancelled:
		return true
	case TaskFailed:
		return t.FinishedAt != nil
	}
	return false
}

// Finalize makes a failed task terminal regardless of remaining attempts.
// Used for non-retryable errors.
func (t *Task) Finalize(now time.Time) {
	if t.State == TaskFailed && t.FinishedAt == nil {
		t.FinishedAt = &now
	}
}

// Transition moves the task to state to, enforcing
// pending→running→{succeeded,failed}→{retrying→running}*→terminal.
// Entering running increments the attempt count; a failure on the last
// allowed attempt is terminal.
func (t *Task) Transition(to TaskState, now time.Time) error {
	if t.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.State)
	}
	ok := false
	switch t.State {
	case TaskPending:
		ok = to == TaskRunning || to == TaskCancelled
	case TaskRunning:
		ok = to == TaskSucceeded || to == TaskFailed || to == TaskCancelled
	case TaskFailed:
		ok = to == TaskRetrying && t.Attempts < t.MaxAttempts
	case TaskRetrying:
		ok = to == TaskRunning || to == TaskCancelled
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}
	t.State = to
	switch to {
	case TaskRunning:
		t.Attempts++
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case TaskSucceeded, TaskCancelled:
		t.FinishedAt = &now
	case TaskFailed:
		if t.Attempts >= t.MaxAttempts {
			t.FinishedAt = &now
		}
	}
	return nil
}

// Clone returns a copy of t safe to hand to another goroutine.
func (t *Task) Clone() Task {
	cp := *t
	if t.Params != nil {
		cp.Params = t.Params.Clone()
	}
	if t.ParentID != nil {
		p := *t.ParentID
		cp.ParentID = &p
	}
	return cp
}

// ToolInvocation is a validated (tool, parameters) pair for one task attempt.
type ToolInvocation struct {
	ToolID   string            `json:"tool_id"`
	Params   capability.Params `json:"params"`
	Explored bool              `json:"explored"` // Chosen by exploration rather than exploitation.
	Epsilon  float64           `json:"epsilon"`
}
