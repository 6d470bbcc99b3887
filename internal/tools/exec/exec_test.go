package exec

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/config"
	"github.com/jkaninda/kaliagents/internal/sandbox"
	"github.com/jkaninda/kaliagents/internal/worker"
)

func execTool(id, command string, args ...string) config.ExecToolConfig {
	return config.ExecToolConfig{
		Descriptor: capability.Descriptor{
			ToolID: id,
			Domain: capability.DomainWeb,
			Params: []capability.ParamSpec{
				{Name: "target", Kind: capability.KindString, Required: true},
				{Name: "verbose", Kind: capability.KindBool},
			},
		},
		Command: command,
		Args:    args,
	}
}

func newSource(t *testing.T, cfgs ...config.ExecToolConfig) *Source {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	src, err := New(cfgs, sandbox.NewProcessSandbox(sandbox.ProcessConfig{}, nil), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return src
}

func TestRender(t *testing.T) {
	src := newSource(t, execTool("probe", "probe", "--host={{ .target | lower }}", "{{ if .verbose }}-v{{ end }}", "{{ .missing }}"))
	argv, err := src.Render("probe", capability.Params{"target": "EXAMPLE.org"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got := strings.Join(argv, " "); got != "probe --host=example.org" {
		t.Errorf("argv = %q", got)
	}
	argv, _ = src.Render("probe", capability.Params{"target": "h", "verbose": true})
	if got := strings.Join(argv, " "); got != "probe --host=h -v" {
		t.Errorf("argv = %q", got)
	}
}

func TestNew_RejectsBadTemplate(t *testing.T) {
	_, err := New([]config.ExecToolConfig{execTool("bad", "x", "{{ .target ")}, nil, nil)
	if err == nil {
		t.Fatal("expected template parse error")
	}
}

func TestNew_DefaultsOutputSchema(t *testing.T) {
	src := newSource(t, execTool("probe", "echo"))
	if got := src.Descriptors()[0].OutputSchema; got != capability.SchemaFindingsJSON {
		t.Errorf("output schema = %q", got)
	}
}

func TestInvoke_Stdout(t *testing.T) {
	src := newSource(t, execTool("echoer", "echo", `{"findings":[{"title":"{{ .target | upper }}","severity":0.5}]}`))
	out, err := src.Invoke(context.Background(), "echoer", capability.Params{"target": "host"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	findings, err := worker.ParseFindingsJSON(out)
	if err != nil || len(findings) != 1 || findings[0].Title != "HOST" {
		t.Fatalf("findings = %+v, %v", findings, err)
	}
}

func TestInvoke_ExitCode(t *testing.T) {
	src := newSource(t, execTool("fails", "sh", "-c", "echo nope >&2; exit 2"))
	_, err := src.Invoke(context.Background(), "fails", capability.Params{"target": "h"}, 5*time.Second)
	if err == nil || !strings.Contains(err.Error(), "code 2") {
		t.Fatalf("expected exit code error, got %v", err)
	}
	if worker.IsRetryable(err) {
		t.Error("non-zero exit must be terminal")
	}
}

func TestInvoke_Timeout(t *testing.T) {
	src := newSource(t, execTool("sleeper", "sleep", "5"))
	_, err := src.Invoke(context.Background(), "sleeper", capability.Params{"target": "h"}, 50*time.Millisecond)
	if !errors.Is(err, worker.ErrToolTimeout) {
		t.Fatalf("expected ErrToolTimeout, got %v", err)
	}
}

func TestInvoke_MissingBinary(t *testing.T) {
	src := newSource(t, execTool("ghost", "no-such-binary-kaliagents"))
	_, err := src.Invoke(context.Background(), "ghost", capability.Params{"target": "h"}, time.Second)
	if !errors.Is(err, worker.ErrToolUnavailable) {
		t.Fatalf("expected ErrToolUnavailable, got %v", err)
	}
}
