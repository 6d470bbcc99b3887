package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/kaliagents/internal/capability"
)

// Router dispatches invocations to the invoker registered for each tool.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Invoker
	fallback Invoker
}

// NewRouter creates a router. fallback, when non-nil, handles tools with no
// explicit route.
func NewRouter(fallback Invoker) *Router {
	return &Router{routes: make(map[string]Invoker), fallback: fallback}
}

// Handle routes toolID to inv.
func (r *Router) Handle(toolID string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[toolID] = inv
}

// Invoke implements Invoker.
func (r *Router) Invoke(ctx context.Context, toolID string, params capability.Params, timeout time.Duration) ([]byte, error) {
	r.mu.RLock()
	inv, ok := r.routes[toolID]
	r.mu.RUnlock()
	if !ok {
		inv = r.fallback
	}
	if inv == nil {
		return nil, fmt.Errorf("%w: no invoker for %s", ErrToolUnavailable, toolID)
	}
	return inv.Invoke(ctx, toolID, params, timeout)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, toolID string, params capability.Params, timeout time.Duration) ([]byte, error)

func (f InvokerFunc) Invoke(ctx context.Context, toolID string, params capability.Params, timeout time.Duration) ([]byte, error) {
	return f(ctx, toolID, params, timeout)
}
