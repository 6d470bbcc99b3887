// Package tools connects tool sources to the capability registry and the
// worker invoker router. A source declares descriptors for the tools it runs
// and invokes them; Install registers both halves so that every registered
// tool id has exactly one invoker.
package tools

import (
	"fmt"
	"strings"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/worker"
)

// Source is a set of tools sharing one invocation mechanism.
type Source interface {
	worker.Invoker
	Descriptors() []capability.Descriptor
}

// Install registers every descriptor of src on reg and routes its tool ids
// to src. It stops at the first registration error.
func Install(reg *capability.Registry, router *worker.Router, src Source) (int, error) {
	n := 0
	for _, d := range src.Descriptors() {
		if err := reg.Register(d); err != nil {
			return n, fmt.Errorf("registering %s: %w", d.ToolID, err)
		}
		router.Handle(d.ToolID, src)
		n++
	}
	return n, nil
}

// TruncateOutput caps b at maxBytes, appending a truncation notice if cut.
func TruncateOutput(b []byte, maxBytes int) []byte {
	if len(b) <= maxBytes {
		return b
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return b[:maxBytes]
	}
	out := make([]byte, 0, maxBytes)
	out = append(out, b[:maxBytes-len(suffix)]...)
	return append(out, suffix...)
}

// NamespacedID builds the registry id of a tool provided by a named server.
func NamespacedID(server, tool string) string {
	return "mcp__" + sanitize(server) + "__" + sanitize(tool)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}
