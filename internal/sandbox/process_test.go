package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func newTestSandbox(t *testing.T) *ProcessSandbox {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	return NewProcessSandbox(ProcessConfig{DefaultTimeout: 5 * time.Second}, nil)
}

func TestProcessSandbox_Stdout(t *testing.T) {
	s := newTestSandbox(t)
	res, err := s.Execute(context.Background(), Request{Command: []string{"echo", "hello"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hello" || res.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestProcessSandbox_NonZeroExit(t *testing.T) {
	s := newTestSandbox(t)
	res, err := s.Execute(context.Background(), Request{Command: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestProcessSandbox_Timeout(t *testing.T) {
	s := newTestSandbox(t)
	_, err := s.Execute(context.Background(), Request{Command: []string{"sleep", "5"}, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestProcessSandbox_NotFound(t *testing.T) {
	s := newTestSandbox(t)
	_, err := s.Execute(context.Background(), Request{Command: []string{"definitely-not-a-tool-xyz"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessSandbox_EnvNotInherited(t *testing.T) {
	t.Setenv("KALIAGENTS_SECRET", "leak")
	s := newTestSandbox(t)
	res, err := s.Execute(context.Background(), Request{
		Command: []string{"sh", "-c", "echo \"$KALIAGENTS_SECRET|$EXTRA\""},
		Env:     map[string]string{"EXTRA": "ok"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "|ok" {
		t.Errorf("env = %q, want %q", got, "|ok")
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, remaining: 4}
	n, err := w.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if buf.String() != "abcd" || !w.dropped {
		t.Errorf("buf = %q dropped = %v", buf.String(), w.dropped)
	}
}
