package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kaliagents/internal/transport/natsbus"
)

var (
	workerDomains  []string
	workerSimulate bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve worker pools to remote supervisors over NATS",
	Long: `Worker answers task assignments published on <subject_prefix>.<domain>
within the configured queue group, running them on local worker pools.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringSliceVarP(&workerDomains, "domain", "d", nil, "domain to serve (repeatable; default: every domain with tools)")
	workerCmd.Flags().BoolVar(&workerSimulate, "simulate", false, "run the built-in tools on the simulator")
}

func runWorker(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.NATS == nil || cfg.NATS.URL == "" {
		return fmt.Errorf("worker mode requires nats.url (or KALIAGENTS_NATS_URL)")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initCore(ctx, cfg, logger, workerSimulate)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	domains := workerDomains
	if len(domains) == 0 {
		domains = c.Registry.Domains()
	}
	for _, d := range domains {
		if len(c.Registry.ForDomain(d)) == 0 {
			return fmt.Errorf("no tools registered for domain %q", d)
		}
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains to serve")
	}

	if err := c.buildPools(domains, false); err != nil {
		return err
	}
	conn, err := c.connectNATS()
	if err != nil {
		return err
	}

	srv := natsbus.NewServer(conn, cfg.NATS.Prefix(), cfg.NATS.Queue(), c.Pools, cfg.NATS.RequestTimeout(), logger)
	c.addCleanup(srv.Close)
	if err := srv.Serve(domains...); err != nil {
		return fmt.Errorf("subscribing worker subjects: %w", err)
	}
	logger.Info("worker serving",
		slog.Any("domains", domains),
		slog.String("prefix", cfg.NATS.Prefix()),
		slog.String("queue", cfg.NATS.Queue()),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}
