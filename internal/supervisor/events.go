package supervisor

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kaliagents/internal/domain"
)

// EventType identifies what an Event carries.
type EventType string

const (
	EventStatus  EventType = "status"  // Session status changed.
	EventTask    EventType = "task"    // A task changed state.
	EventFinding EventType = "finding" // A scored finding was produced.
)

// Event is one progress notification of a running assessment. Task and
// Finding are copies owned by the receiver.
type Event struct {
	Type         EventType            `json:"type"`
	AssessmentID uuid.UUID            `json:"assessment_id"`
	Status       domain.SessionStatus `json:"status,omitempty"`
	Task         *domain.Task         `json:"task,omitempty"`
	Finding      *domain.Finding      `json:"finding,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Time         time.Time            `json:"time"`
}

// RunOption configures a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	stream   chan<- Event
	observer func(Event)
}

// WithStream sends every event on ch. Sends block until received or the
// run's context ends, so the consumer sets the pace; ch is not closed.
func WithStream(ch chan<- Event) RunOption {
	return func(o *runOptions) { o.stream = ch }
}

// WithObserver calls fn synchronously for every event. fn must not block.
func WithObserver(fn func(Event)) RunOption {
	return func(o *runOptions) { o.observer = fn }
}
