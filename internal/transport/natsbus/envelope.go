package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/worker"
)

// Error kinds carried in result envelopes. Sentinel kinds are mapped back to
// the worker sentinels so callers can match them with errors.Is.
const (
	kindRetryable     = "retryable"
	kindTerminal      = "terminal"
	kindCancelled     = "cancelled"
	kindTimeout       = "timeout"
	kindUnavailable   = "unavailable"
	kindInvalidTarget = "invalid_target"
	kindUnauthorized  = "unauthorized"
)

var sentinels = []struct {
	kind string
	err  error
}{
	{kindCancelled, worker.ErrCancelled},
	{kindTimeout, worker.ErrToolTimeout},
	{kindUnavailable, worker.ErrToolUnavailable},
	{kindInvalidTarget, worker.ErrInvalidTarget},
	{kindUnauthorized, worker.ErrUnauthorized},
}

// taskEnvelope is the request body published on <prefix>.<domain>.
type taskEnvelope struct {
	Task       domain.Task `json:"task"`
	DeadlineMS int64       `json:"deadline_ms,omitempty"` // Remaining time budget when sent.
}

// resultEnvelope is the reply body.
type resultEnvelope struct {
	TaskID    uuid.UUID        `json:"task_id"`
	Attempt   int              `json:"attempt"`
	Findings  []domain.Finding `json:"findings,omitempty"`
	ElapsedMS int64            `json:"elapsed_ms"`
	TimeoutMS int64            `json:"timeout_ms"`
	ToolID    string           `json:"tool_id,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
}

func newTaskEnvelope(ctx context.Context, task domain.Task) taskEnvelope {
	env := taskEnvelope{Task: task}
	if deadline, ok := ctx.Deadline(); ok {
		env.DeadlineMS = time.Until(deadline).Milliseconds()
	}
	return env
}

func encodeResult(res worker.Result, toolID string) resultEnvelope {
	env := resultEnvelope{
		TaskID:    res.TaskID,
		Attempt:   res.Attempt,
		Findings:  res.Execution.Findings,
		ElapsedMS: res.Execution.Elapsed.Milliseconds(),
		TimeoutMS: res.Execution.Timeout.Milliseconds(),
		ToolID:    toolID,
	}
	if res.Err == nil {
		return env
	}
	env.Error = res.Err.Error()
	var te *worker.TaskError
	if errors.As(res.Err, &te) && te.ToolID != "" {
		env.ToolID = te.ToolID
	}
	env.ErrorKind = kindTerminal
	if worker.IsRetryable(res.Err) {
		env.ErrorKind = kindRetryable
	}
	for _, s := range sentinels {
		if errors.Is(res.Err, s.err) {
			env.ErrorKind = s.kind
			break
		}
	}
	return env
}

// decode turns a reply back into a Result. The retry classification made by
// the remote worker is preserved.
func (env resultEnvelope) decode() worker.Result {
	res := worker.Result{
		TaskID:  env.TaskID,
		Attempt: env.Attempt,
		Execution: worker.Execution{
			Findings: env.Findings,
			Elapsed:  time.Duration(env.ElapsedMS) * time.Millisecond,
			Timeout:  time.Duration(env.TimeoutMS) * time.Millisecond,
		},
	}
	if env.ErrorKind == "" {
		return res
	}
	remote := errors.New(env.Error)
	te := &worker.TaskError{ToolID: env.ToolID, Retryable: env.ErrorKind == kindRetryable, Err: remote}
	for _, s := range sentinels {
		if env.ErrorKind == s.kind {
			te.Err = fmt.Errorf("%w: remote: %s", s.err, env.Error)
			te.Retryable = worker.IsRetryable(s.err)
			break
		}
	}
	res.Err = te
	return res
}
