package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Band is the qualitative bucket of a priority score.
type Band string

const (
	BandInfo     Band = "info"
	BandLow      Band = "low"
	BandMedium   Band = "medium"
	BandHigh     Band = "high"
	BandCritical Band = "critical"
)

// IsValid reports whether b is a known band.
func (b Band) IsValid() bool {
	switch b {
	case BandInfo, BandLow, BandMedium, BandHigh, BandCritical:
		return true
	}
	return false
}

// Finding is a structured observation produced by a task. Immutable after
// creation; the priority is attached once through WithPriority.
type Finding struct {
	ID             uuid.UUID      `json:"id"`
	TaskID         uuid.UUID      `json:"task_id"`
	ToolID         string         `json:"tool_id"`
	Target         string         `json:"target"`
	Kind           string         `json:"kind,omitempty"` // e.g. "open_port", "web_vulnerability".
	Title          string         `json:"title"`
	Severity       float64        `json:"severity"`
	Exploitability float64        `json:"exploitability"`
	AssetValue     float64        `json:"asset_value"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	Priority       float64        `json:"priority"`
	Band           Band           `json:"band,omitempty"`
	Scored         bool           `json:"scored"`
	CreatedAt      time.Time      `json:"created_at"`
}

// WithPriority returns a copy of f carrying the given priority.
func (f Finding) WithPriority(priority float64, band Band) Finding {
	f.Priority = priority
	f.Band = band
	f.Scored = true
	return f
}

// SessionStatus is the lifecycle state of an assessment session.
type SessionStatus string

const (
	SessionPlanning   SessionStatus = "planning"
	SessionExecuting  SessionStatus = "executing"
	SessionReplanning SessionStatus = "replanning"
	SessionCompleted  SessionStatus = "completed"
	SessionAborted    SessionStatus = "aborted"
)

// Done reports whether the session has finished.
func (s SessionStatus) Done() bool {
	return s == SessionCompleted || s == SessionAborted
}

// TaskReport is the final record of one task.
type TaskReport struct {
	Task     Task `json:"task"`
	Findings int  `json:"findings"`
}

// FindingSet is the aggregated result of an assessment. Every terminal task,
// failed or cancelled ones included, is listed with its error.
type FindingSet struct {
	AssessmentID uuid.UUID         `json:"assessment_id"`
	Request      AssessmentRequest `json:"request"`
	Status       SessionStatus     `json:"status"`
	AbortReason  string            `json:"abort_reason,omitempty"`
	Findings     []Finding         `json:"findings"`
	Tasks        []TaskReport      `json:"tasks"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// Sort orders findings by priority (highest first) and tasks by creation time.
func (fs *FindingSet) Sort() {
	sort.SliceStable(fs.Findings, func(i, j int) bool {
		if fs.Findings[i].Priority != fs.Findings[j].Priority {
			return fs.Findings[i].Priority > fs.Findings[j].Priority
		}
		return fs.Findings[i].CreatedAt.Before(fs.Findings[j].CreatedAt)
	})
	sort.SliceStable(fs.Tasks, func(i, j int) bool {
		return fs.Tasks[i].Task.CreatedAt.Before(fs.Tasks[j].Task.CreatedAt)
	})
}

// CountByState returns how many tasks ended in each state.
func (fs *FindingSet) CountByState() map[TaskState]int {
	counts := make(map[TaskState]int)
	for _, r := range fs.Tasks {
		counts[r.Task.State]++
	}
	return counts
}

// MaxPriority returns the highest priority among findings, or 0.
func MaxPriority(findings []Finding) float64 {
	var best float64
	for _, f := range findings {
		if f.Priority > best {
			best = f.Priority
		}
	}
	return best
}
