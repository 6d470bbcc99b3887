package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kaliagents/internal/config"
	"github.com/jkaninda/kaliagents/internal/gateway"
	"github.com/jkaninda/kaliagents/internal/gateway/httpapi"
	"github.com/jkaninda/kaliagents/internal/gateway/ws"
	"github.com/jkaninda/kaliagents/internal/ratelimit"
	"github.com/jkaninda/kaliagents/internal/scheduler"
)

var (
	serveListen   string
	serveSimulate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway, the assessment engine and the scheduler",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that `kaliagents --listen`
	// and `kaliagents serve --listen` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveListen, "listen", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveSimulate, "simulate", false, "run the built-in tools on the simulator")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Gateway == nil {
		cfg.Gateway = &config.GatewayConfig{}
	}
	if serveListen != "" {
		cfg.Gateway.ListenAddr = serveListen
	}
	logger := newLogger(cfg)
	logger.Info("starting in serve mode", slog.String("config", configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initShared(ctx, cfg, logger, serveSimulate)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	// Recurring assessments and report retention.
	sched, err := scheduler.New(c.Engine, scheduler.JobsFromConfig(cfg.Schedules), scheduler.NewMetrics(c.registry()), logger)
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}
	sched.WithRetention(c.Store, cfg.Storage.Retention(), "")
	stopScheduler, err := sched.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer stopScheduler()
	logger.Debug("scheduler started",
		slog.Int("jobs", len(cfg.Schedules)),
		slog.String("retention", cfg.Storage.Retention().String()),
	)

	gw := buildHTTPGateway(cfg, c)
	logger.Info("http gateway configured",
		slog.String("addr", cfg.Gateway.Listen()),
		slog.Bool("websocket", cfg.Gateway.WebSocketEnabled()),
		slog.Bool("auth", len(cfg.Gateway.APIKeys) > 0),
	)

	gateways := []gateway.Gateway{gw}
	errs := make(chan error, len(gateways))
	for _, g := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(g)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.Shutdown())
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// apiKeyCallers maps each configured key to a caller id used in logs and
// rate limiting. Keys are never logged.
func apiKeyCallers(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for i, k := range keys {
		out[k] = fmt.Sprintf("key-%d", i+1)
	}
	return out
}

func buildHTTPGateway(cfg *config.Config, c *Components) *httpapi.Gateway {
	gwCfg := cfg.Gateway
	apiKeys := apiKeyCallers(gwCfg.APIKeys)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: gwCfg.RateLimit,
		BurstSize:         gwCfg.RateBurst,
	})

	httpCfg := httpapi.Config{
		ListenAddr:    gwCfg.Listen(),
		EnableDocs:    gwCfg.EnableDocs,
		APIKeys:       apiKeys,
		Version:       version,
		MetricsPath:   cfg.Observability.MetricsPath(),
		HealthChecker: c.Obs.Health,
		Metrics:       c.Obs.Metrics,
	}
	if c.Obs.Metrics != nil {
		httpCfg.MetricsRegistry = c.Obs.Metrics.Registry
	}
	if c.Obs.Tracer != nil {
		httpCfg.Tracer = c.Obs.Tracer.Tracer()
	}

	gw := httpapi.NewGateway(httpCfg, c.Engine, limiter, c.Logger).
		WithCapabilities(c.Registry).
		WithLearning(c.Learning).
		WithHistory(c.Store)

	if gwCfg.WebSocketEnabled() {
		wsServer := ws.NewServer(c.Engine, ws.Config{APIKeys: apiKeys}, c.Logger)
		gw.WithHandler(wsServer.Pattern(), wsServer.Handler())
		c.Logger.Debug("websocket stream mounted on http gateway", slog.String("path", wsServer.Pattern()))
	}
	return gw
}
