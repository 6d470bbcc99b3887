package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	toolsSimulate bool
	toolsJSON     bool
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the capability registry",
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsSimulate, "simulate", false, "list the simulated built-in tools")
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print descriptors as JSON")
}

func runTools(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := initCore(context.Background(), cfg, newLogger(cfg), toolsSimulate)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	out := cmd.OutOrStdout()
	descs := c.Registry.List()
	if toolsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	}

	tw := newTable(out)
	fmt.Fprintln(tw, "DOMAIN\tTOOL\tOUTPUT\tTIMEOUT\tCOST\tPARAMS")
	for _, d := range descs {
		names := make([]string, 0, len(d.Params))
		for _, p := range d.Params {
			names = append(names, p.Name+":"+string(p.Kind))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\tx%.1f\t%.2f\t%s\n",
			d.Domain, d.ToolID, d.OutputSchema, d.TimeoutMultiplier(), d.CostHint, strings.Join(names, ","))
	}
	return tw.Flush()
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
