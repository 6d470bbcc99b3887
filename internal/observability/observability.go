// Package observability provides Prometheus metrics, OpenTelemetry tracing
// and health checks. All components are optional and nil-safe; when
// disabled, wrappers skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kaliagents/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Metrics and Tracer are nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker
}

// New creates an Observability instance from config. A nil config enables
// metrics and leaves tracing off.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	obs := &Observability{Health: NewHealthChecker(logger)}

	if cfg.MetricsEnabled() {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg != nil && cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
		logger.Info("tracing enabled",
			slog.String("endpoint", cfg.Tracing.Endpoint),
			slog.String("protocol", cfg.Tracing.Protocol),
		)
	}
	return obs, nil
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNoop returns the configured tracer, or a no-op tracer.
func (o *Observability) TracerOrNoop() trace.Tracer {
	if o == nil {
		return (*TracerSetup)(nil).Tracer()
	}
	return o.Tracer.Tracer()
}

// MetricsOrNil returns the collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}
