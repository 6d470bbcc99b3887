// Package worker executes assessment tasks: it validates the chosen tool
// invocation against the capability registry, invokes the tool with a
// timeout, parses the output into findings and classifies failures as
// retryable or terminal.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/domain"
)

// maxOutputBytes caps how much tool output is parsed.
const maxOutputBytes = 1 << 20

// Invoker runs a tool. Implementations should honour ctx and return
// ErrToolTimeout when the timeout elapses; the agent abandons a call that
// outlives its deadline either way.
type Invoker interface {
	Invoke(ctx context.Context, toolID string, params capability.Params, timeout time.Duration) ([]byte, error)
}

// Catalog is the part of the capability registry the agent needs.
type Catalog interface {
	Lookup(toolID string) (capability.Descriptor, error)
	Validate(toolID string, params capability.Params) error
}

// Executor runs one task attempt. *Agent implements it; pools and remote
// transports depend on this interface.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (Execution, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task domain.Task) (Execution, error)

func (f ExecutorFunc) Execute(ctx context.Context, task domain.Task) (Execution, error) {
	return f(ctx, task)
}

// Execution is the outcome of a successful task attempt.
type Execution struct {
	Findings []domain.Finding
	Elapsed  time.Duration
	Timeout  time.Duration
}

// Config configures an agent for one domain.
type Config struct {
	Domain    string
	Timeout   time.Duration // Base tool timeout, scaled per tool. Default 30s.
	RateLimit float64       // Invocations per second. 0 = unlimited.
	Burst     int           // Limiter burst. Default 1.
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

func (c Config) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return 1
}

// Agent executes tasks of one domain.
type Agent struct {
	config  Config
	catalog Catalog
	invoker Invoker
	parsers *Parsers
	limiter *rate.Limiter
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAgent creates an agent. parsers may be nil for the built-in set.
func NewAgent(config Config, catalog Catalog, invoker Invoker, parsers *Parsers, metrics *Metrics, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if parsers == nil {
		parsers = NewParsers()
	}
	a := &Agent{
		config:  config,
		catalog: catalog,
		invoker: invoker,
		parsers: parsers,
		metrics: metrics,
		logger:  logger.With(slog.String("domain", config.Domain)),
		now:     time.Now,
	}
	if config.RateLimit > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.burst())
	}
	return a
}

// Domain returns the domain the agent serves.
func (a *Agent) Domain() string { return a.config.Domain }

// TimeoutFor returns the effective timeout for a tool.
func (a *Agent) TimeoutFor(d capability.Descriptor) time.Duration {
	return time.Duration(float64(a.config.timeout()) * d.TimeoutMultiplier())
}

// Execute runs one attempt of task. Errors are *TaskError values; a task
// whose context is cancelled fails with ErrCancelled and must not be counted
// as a tool failure.
func (a *Agent) Execute(ctx context.Context, task domain.Task) (Execution, error) {
	desc, err := a.catalog.Lookup(task.ToolID)
	if err != nil {
		return Execution{}, classify(task.ToolID, err)
	}
	if err := a.catalog.Validate(task.ToolID, task.Params); err != nil {
		return Execution{}, classify(task.ToolID, err)
	}
	timeout := a.TimeoutFor(desc)

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return Execution{Timeout: timeout}, a.cancelled(ctx, task.ToolID, err)
		}
	}

	start := a.now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	raw, err := a.invoke(callCtx, task, timeout)
	cancel()
	elapsed := a.now().Sub(start)
	exec := Execution{Elapsed: elapsed, Timeout: timeout}

	if err != nil {
		if ctx.Err() != nil {
			a.record(task.ToolID, "cancelled", elapsed)
			return exec, a.cancelled(ctx, task.ToolID, err)
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrToolTimeout) {
			err = fmt.Errorf("%w after %s", ErrToolTimeout, timeout)
		}
		a.record(task.ToolID, "error", elapsed)
		a.logger.WarnContext(ctx, "tool invocation failed",
			slog.String("task_id", task.ID.String()),
			slog.String("tool", task.ToolID),
			slog.Int("attempt", task.Attempts),
			slog.String("error", err.Error()),
		)
		return exec, classify(task.ToolID, err)
	}

	if len(raw) > maxOutputBytes {
		a.record(task.ToolID, "parse_error", elapsed)
		return exec, classify(task.ToolID, &ParseError{
			ToolID: task.ToolID,
			Schema: desc.OutputSchema,
			Err:    fmt.Errorf("output exceeds capture limit (%d > %d bytes)", len(raw), maxOutputBytes),
		})
	}
	parser, ok := a.parsers.Get(desc.OutputSchema)
	if !ok {
		a.record(task.ToolID, "parse_error", elapsed)
		return exec, classify(task.ToolID, &ParseError{ToolID: task.ToolID, Schema: desc.OutputSchema, Err: errors.New("no parser registered")})
	}
	findings, err := parser.Parse(raw)
	if err != nil {
		a.record(task.ToolID, "parse_error", elapsed)
		return exec, classify(task.ToolID, &ParseError{ToolID: task.ToolID, Schema: desc.OutputSchema, Err: err})
	}

	now := a.now()
	for i := range findings {
		f := &findings[i]
		f.ID = uuid.New()
		f.TaskID = task.ID
		f.ToolID = task.ToolID
		if f.Target == "" {
			f.Target = task.Target
		}
		f.CreatedAt = now
	}
	exec.Findings = findings
	a.record(task.ToolID, "success", elapsed)

	a.logger.DebugContext(ctx, "tool invocation completed",
		slog.String("task_id", task.ID.String()),
		slog.String("tool", task.ToolID),
		slog.Int("findings", len(findings)),
		slog.Duration("elapsed", elapsed),
	)
	return exec, nil
}

type invokeResult struct {
	raw []byte
	err error
}

// invoke runs the tool call and returns when it completes or ctx ends,
// whichever comes first. A call that ignores ctx is abandoned; its late
// result is discarded.
func (a *Agent) invoke(ctx context.Context, task domain.Task, timeout time.Duration) ([]byte, error) {
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("tool invoker panic: %v", r)}
			}
		}()
		raw, err := a.invoker.Invoke(ctx, task.ToolID, task.Params, timeout)
		done <- invokeResult{raw: raw, err: err}
	}()

	select {
	case r := <-done:
		return r.raw, r.err
	case <-ctx.Done():
		a.logger.DebugContext(ctx, "abandoning tool invocation past its deadline",
			slog.String("task_id", task.ID.String()),
			slog.String("tool", task.ToolID),
		)
		return nil, ctx.Err()
	}
}

func (a *Agent) cancelled(ctx context.Context, toolID string, cause error) error {
	err := ErrCancelled
	if c := context.Cause(ctx); c != nil && !errors.Is(c, context.Canceled) && !errors.Is(c, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrCancelled, c)
	} else if cause != nil {
		err = fmt.Errorf("%w: %v", ErrCancelled, cause)
	}
	return &TaskError{ToolID: toolID, Retryable: false, Err: err}
}

func (a *Agent) record(toolID, result string, elapsed time.Duration) {
	if a.metrics == nil {
		return
	}
	a.metrics.Invocations.WithLabelValues(a.config.Domain, toolID, result).Inc()
	a.metrics.Duration.WithLabelValues(a.config.Domain, toolID).Observe(elapsed.Seconds())
}
