package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps captured stdout and stderr.
	maxOutputBytes = 1 << 20

	defaultTimeout    = 5 * time.Minute
	defaultCPUSeconds = 600
	defaultMemoryMB   = 1024
)

// ProcessConfig configures the process sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  Limits
	// PathDirs is the PATH given to tools. Default /usr/local/bin:/usr/bin:/bin.
	PathDirs string
}

// ProcessSandbox executes tools as OS processes in their own process group
// and temp directory, with a sanitized environment and ulimit caps.
type ProcessSandbox struct {
	defaultTimeout time.Duration
	defaultLimits  Limits
	path           string
	logger         *slog.Logger
}

// NewProcessSandbox creates a process sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	path := cfg.PathDirs
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	return &ProcessSandbox{
		defaultTimeout: timeout,
		defaultLimits:  limits,
		path:           path,
		logger:         logger,
	}
}

// Execute runs req.Command. A non-zero exit code is reported in the result,
// not as an error.
func (s *ProcessSandbox) Execute(ctx context.Context, req Request) (*Result, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("empty command")
	}
	if _, err := exec.LookPath(req.Command[0]); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.Command[0])
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "kaliagents-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	limits := s.limits(req.Limits)

	// The tool is exec'd through positional parameters so arguments are
	// never interpolated into the shell script.
	script := fmt.Sprintf("ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		limits.MaxMemoryMB*1024, limits.MaxCPUSeconds)
	args := append([]string{"-c", script, "_"}, req.Command...)
	cmd := exec.CommandContext(ctx, "/bin/sh", args...)

	cmd.Dir = tmpDir
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = s.env(tmpDir, req.Env)

	var stdout, stderr bytes.Buffer
	out := &limitedWriter{w: &stdout, remaining: maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: maxOutputBytes}

	s.logger.Debug("sandbox executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
			}
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", req.Command[0], runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	s.logger.Debug("sandbox execution completed",
		slog.String("command", req.Command[0]),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdout.Len()),
	)

	return &Result{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		ExitCode:  exitCode,
		Duration:  duration,
		Truncated: out.dropped,
	}, nil
}

func (s *ProcessSandbox) limits(req Limits) Limits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// env builds the tool environment. Nothing is inherited from the parent
// process.
func (s *ProcessSandbox) env(tmpDir string, extra map[string]string) []string {
	env := []string{
		"PATH=" + s.path,
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=C.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter discards writes past a byte limit.
type limitedWriter struct {
	w         io.Writer
	remaining int
	dropped   bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		lw.dropped = lw.dropped || n > 0
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.dropped = true
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
