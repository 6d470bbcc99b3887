package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/supervisor"
)

var (
	assessTargets    []string
	assessObjectives []string
	assessMaxTasks   int
	assessTimeout    time.Duration
	assessSimulate   bool
	assessJSON       bool
)

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Run one assessment synchronously and print its findings",
	Example: `  kaliagents assess --simulate --target 10.0.0.5 --objective network-recon --max-tasks 3
  kaliagents assess --target https://app.example.com --objective web-enum --json`,
	RunE: runAssess,
}

func init() {
	f := assessCmd.Flags()
	f.StringSliceVarP(&assessTargets, "target", "t", nil, "target in scope (repeatable): host, CIDR, hostname or URL")
	f.StringSliceVarP(&assessObjectives, "objective", "o", nil, "objective tag (repeatable), e.g. network-recon")
	f.IntVar(&assessMaxTasks, "max-tasks", 0, "task budget (0 = configured default)")
	f.DurationVar(&assessTimeout, "timeout", 0, "duration budget (0 = configured default)")
	f.BoolVar(&assessSimulate, "simulate", false, "run the built-in tools on the simulator")
	f.BoolVar(&assessJSON, "json", false, "print events and the finding set as JSON")
	_ = assessCmd.MarkFlagRequired("target")
	_ = assessCmd.MarkFlagRequired("objective")
}

func runAssess(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initShared(ctx, cfg, logger, assessSimulate)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	sup := c.Engine.Supervisor()
	req, err := sup.Accept(domain.AssessmentRequest{
		Scope:      assessTargets,
		Objectives: assessObjectives,
		Budget:     domain.Budget{MaxTasks: assessMaxTasks, MaxDuration: assessTimeout},
	})
	if err != nil {
		return err
	}

	events := make(chan supervisor.Event, 64)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			printEvent(cmd.ErrOrStderr(), ev, assessJSON)
		}
	}()

	fs, runErr := sup.Run(ctx, req, supervisor.WithStream(events))
	close(events)
	<-printed
	if fs == nil {
		return runErr
	}

	if err := c.Store.SaveReport(context.WithoutCancel(ctx), fs); err != nil {
		logger.Error("saving assessment report failed",
			slog.String("assessment_id", fs.AssessmentID.String()),
			slog.String("error", err.Error()),
		)
	}

	out := cmd.OutOrStdout()
	if assessJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(fs); err != nil {
			return fmt.Errorf("encoding finding set: %w", err)
		}
	} else {
		printFindingSet(out, fs)
	}

	if fs.Status == domain.SessionAborted {
		return fmt.Errorf("assessment %s aborted: %s", fs.AssessmentID, fs.AbortReason)
	}
	return nil
}

func printEvent(w io.Writer, ev supervisor.Event, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(w).Encode(ev)
		return
	}
	ts := ev.Time.Format("15:04:05")
	switch ev.Type {
	case supervisor.EventStatus:
		line := fmt.Sprintf("%s  session   %s", ts, ev.Status)
		if ev.Reason != "" {
			line += "  (" + ev.Reason + ")"
		}
		fmt.Fprintln(w, line)
	case supervisor.EventTask:
		t := ev.Task
		line := fmt.Sprintf("%s  task      %-9s %-14s %-26s %s", ts, t.State, t.Domain, t.ToolID, t.Target)
		if t.Error != "" {
			line += "  error=" + t.Error
		}
		fmt.Fprintln(w, line)
	case supervisor.EventFinding:
		f := ev.Finding
		fmt.Fprintf(w, "%s  finding   %-8s %.3f  %s  [%s on %s]\n", ts, f.Band, f.Priority, f.Title, f.ToolID, f.Target)
	}
}

func printFindingSet(w io.Writer, fs *domain.FindingSet) {
	fmt.Fprintf(w, "\nAssessment %s: %s\n", fs.AssessmentID, fs.Status)
	if fs.AbortReason != "" {
		fmt.Fprintf(w, "Abort reason: %s\n", fs.AbortReason)
	}
	if !fs.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Duration: %s\n", fs.FinishedAt.Sub(fs.StartedAt).Round(time.Millisecond))
	}

	fmt.Fprintf(w, "\nTasks (%d):\n", len(fs.Tasks))
	tw := newTable(w)
	fmt.Fprintln(tw, "STATE\tDOMAIN\tTOOL\tTARGET\tATTEMPTS\tFINDINGS\tERROR")
	for _, r := range fs.Tasks {
		t := r.Task
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", t.State, t.Domain, t.ToolID, t.Target, t.Attempts, r.Findings, t.Error)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nFindings (%d):\n", len(fs.Findings))
	tw = newTable(w)
	fmt.Fprintln(tw, "PRIORITY\tBAND\tTARGET\tTOOL\tTITLE")
	for _, f := range fs.Findings {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\t%s\n", f.Priority, f.Band, f.Target, f.ToolID, f.Title)
	}
	_ = tw.Flush()

	if c := fs.CountByState(); len(c) > 0 {
		fmt.Fprintf(w, "\nSucceeded %d, failed %d, cancelled %d\n",
			c[domain.TaskSucceeded], c[domain.TaskFailed], c[domain.TaskCancelled])
	}
}
