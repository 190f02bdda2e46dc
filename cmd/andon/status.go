package main

import (
	"context"
	"encoding/json"
	"fmt"
	"industrial-andon/internal/projector"
	"industrial-andon/internal/types"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type statusOptions struct {
	*rootOptions
	All    bool
	Format string
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	opts := &statusOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current status of every line from the event log",
		Long: `Print the projected status of each line. Only lines with an open
incident are listed unless --all is given.

Examples:
  andon status
  andon status --all --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.All, "all", false, "include lines in normal status")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *statusOptions) error {
	if opts.Format != "text" && opts.Format != "json" {
		return fmt.Errorf("invalid format %q: must be one of [text json]", opts.Format)
	}
	ctx := context.Background()
	cfg, store, err := opts.openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	lines, err := projector.New(store, cfg.Layout()).Snapshot(ctx)
	if err != nil {
		return err
	}
	shown := make([]types.LineStatus, 0, len(lines))
	for _, l := range lines {
		if opts.All || l.Status != types.StatusNormal {
			shown = append(shown, l)
		}
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(shown)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tNAME\tAREA\tSTATUS\tREQUESTED\tSTARTED")
	for _, l := range shown {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			l.Line, l.DisplayName, l.Area, l.Status, clock(l.RequestedAt), clock(l.StartedAt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d open / %d max\n", countOpen(lines), cfg.Admission.MaxOpen)
	return nil
}

func countOpen(lines []types.LineStatus) int {
	n := 0
	for _, l := range lines {
		if l.Status != types.StatusNormal {
			n++
		}
	}
	return n
}

func clock(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
