// Package exec runs assessment tools as sandboxed child processes. Each
// configured tool carries a command and argument templates rendered with
// text/template and the sprig function set against the invocation
// parameters.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/config"
	"github.com/jkaninda/kaliagents/internal/sandbox"
	"github.com/jkaninda/kaliagents/internal/tools"
	"github.com/jkaninda/kaliagents/internal/worker"
)

type command struct {
	desc    capability.Descriptor
	path    string
	args    []*template.Template
	env     map[string]string
	okCodes []int
}

// Source provides exec-backed tools.
type Source struct {
	sandbox  sandbox.Sandbox
	commands map[string]command
	order    []string
	logger   *slog.Logger
}

// New parses the argument templates of every configured tool.
func New(cfgs []config.ExecToolConfig, sbx sandbox.Sandbox, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Source{sandbox: sbx, commands: make(map[string]command, len(cfgs)), logger: logger}
	funcs := sprig.TxtFuncMap()
	for _, cfg := range cfgs {
		if _, dup := s.commands[cfg.ToolID]; dup {
			return nil, &capability.DuplicateToolError{ToolID: cfg.ToolID}
		}
		cmd := command{desc: cfg.Descriptor, path: cfg.Command, env: cfg.Env, okCodes: cfg.SuccessExitCodes}
		if cmd.desc.OutputSchema == "" {
			cmd.desc.OutputSchema = capability.SchemaFindingsJSON
		}
		if len(cmd.okCodes) == 0 {
			cmd.okCodes = []int{0}
		}
		for i, arg := range cfg.Args {
			tmpl, err := template.New(fmt.Sprintf("%s[%d]", cfg.ToolID, i)).
				Funcs(funcs).
				Option("missingkey=zero").
				Parse(arg)
			if err != nil {
				return nil, fmt.Errorf("parsing args of %s: %w", cfg.ToolID, err)
			}
			cmd.args = append(cmd.args, tmpl)
		}
		s.commands[cfg.ToolID] = cmd
		s.order = append(s.order, cfg.ToolID)
	}
	return s, nil
}

// Descriptors implements tools.Source.
func (s *Source) Descriptors() []capability.Descriptor {
	out := make([]capability.Descriptor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.commands[id].desc)
	}
	return out
}

// Render returns the argv for toolID with params.
func (s *Source) Render(toolID string, params capability.Params) ([]string, error) {
	cmd, ok := s.commands[toolID]
	if !ok {
		return nil, &capability.UnknownToolError{ToolID: toolID}
	}
	return cmd.render(params)
}

func (c command) render(params capability.Params) ([]string, error) {
	data := map[string]any(params.Clone())
	argv := []string{c.path}
	for _, tmpl := range c.args {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("rendering %s: %w", tmpl.Name(), err)
		}
		// Arguments that render empty are dropped so optional flags can be
		// expressed as {{ if .x }}--flag{{ end }}.
		if arg := strings.TrimSpace(buf.String()); arg != "" && arg != "<no value>" {
			argv = append(argv, arg)
		}
	}
	return argv, nil
}

// Invoke implements worker.Invoker.
func (s *Source) Invoke(ctx context.Context, toolID string, params capability.Params, timeout time.Duration) ([]byte, error) {
	cmd, ok := s.commands[toolID]
	if !ok {
		return nil, &capability.UnknownToolError{ToolID: toolID}
	}
	argv, err := cmd.render(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrInvalidTarget, err)
	}

	res, err := s.sandbox.Execute(ctx, sandbox.Request{Command: argv, Env: cmd.env, Timeout: timeout})
	switch {
	case err == nil:
	case errors.Is(err, sandbox.ErrTimeout):
		return nil, fmt.Errorf("%w: %v", worker.ErrToolTimeout, err)
	case errors.Is(err, sandbox.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", worker.ErrToolUnavailable, err)
	default:
		return nil, err
	}

	if !slices.Contains(cmd.okCodes, res.ExitCode) {
		stderr := strings.TrimSpace(string(tools.TruncateOutput(res.Stderr, 512)))
		s.logger.WarnContext(ctx, "exec tool exited with failure",
			slog.String("tool", toolID),
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", stderr),
		)
		return nil, fmt.Errorf("%s exited with code %d: %s", cmd.path, res.ExitCode, stderr)
	}
	if res.Truncated {
		return nil, fmt.Errorf("%s output exceeds the capture limit", cmd.path)
	}
	return res.Stdout, nil
}
