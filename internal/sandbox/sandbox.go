// Package sandbox runs external assessment tools as isolated OS processes.
// Tool binaries never inherit the orchestrator's environment and are killed
// together with their children when the invocation ends.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a command exceeds its timeout.
var ErrTimeout = errors.New("sandboxed command timed out")

// ErrNotFound is returned when the command binary cannot be resolved.
var ErrNotFound = errors.New("sandboxed command not found")

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request defines what to run and under what constraints.
type Request struct {
	// Command is the program and its arguments, e.g. ["nmap", "-sS", "10.0.0.5"].
	Command []string

	// Dir overrides the working directory. Empty = fresh temp dir.
	Dir string

	// Env is merged on top of the minimal base environment.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = defaults.
	Limits Limits
}

// Limits constrains the sandboxed process.
type Limits struct {
	MaxCPUSeconds int // ulimit -t
	MaxMemoryMB   int // ulimit -v
}

// Result captures the outcome of a sandboxed command.
type Result struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}
