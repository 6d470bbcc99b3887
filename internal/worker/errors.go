package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/selector"
)

// Errors reported by tool invokers. Unavailable and timeout are retryable;
// invalid target and unauthorized are terminal.
var (
	ErrToolUnavailable = errors.New("tool unavailable")
	ErrToolTimeout     = errors.New("tool invocation timed out")
	ErrInvalidTarget   = errors.New("invalid target")
	ErrUnauthorized    = errors.New("tool authorization failed")
	ErrCancelled       = errors.New("task cancelled")
	ErrPoolClosed      = errors.New("worker pool closed")
	ErrNoDispatcher    = errors.New("no worker pool for domain")
)

// NotDispatched reports whether err means the attempt never reached a tool:
// the pool was closed or no pool serves the task's domain.
func NotDispatched(err error) bool {
	return errors.Is(err, ErrPoolClosed) || errors.Is(err, ErrNoDispatcher)
}

// ParseError reports tool output the parser could not turn into findings.
type ParseError struct {
	ToolID string
	Schema string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s output of %s: %v", e.Schema, e.ToolID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TaskError is a classified task failure.
type TaskError struct {
	ToolID    string
	Retryable bool
	Err       error
}

func (e *TaskError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.ToolID == "" {
		return fmt.Sprintf("%s: %v", kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", kind, e.ToolID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt: invoker
// unavailability and timeouts, and transient network or I/O errors.
// Schema, registry, parse, target and authorization errors are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Retryable
	}
	var (
		schemaErr  *capability.SchemaError
		unknownErr *capability.UnknownToolError
		parseErr   *ParseError
		noToolErr  *selector.NoCapableToolError
	)
	switch {
	case errors.As(err, &schemaErr), errors.As(err, &unknownErr), errors.As(err, &parseErr), errors.As(err, &noToolErr):
		return false
	case errors.Is(err, ErrInvalidTarget), errors.Is(err, ErrUnauthorized), errors.Is(err, ErrCancelled):
		return false
	case errors.Is(err, ErrToolUnavailable), errors.Is(err, ErrToolTimeout):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// classify wraps err as a *TaskError unless it already is one.
func classify(toolID string, err error) error {
	var te *TaskError
	if errors.As(err, &te) {
		return err
	}
	return &TaskError{ToolID: toolID, Retryable: IsRetryable(err), Err: err}
}
