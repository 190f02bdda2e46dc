package main

import (
	"context"
	"fmt"
	"industrial-andon/internal/report"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type exportOptions struct {
	*rootOptions
	From string
	To   string
	Out  string
}

func newExportCommand(root *rootOptions) *cobra.Command {
	opts := &exportOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export resolved incidents to an Excel workbook",
		Long: `Export incidents resolved within [--from, --to] (local dates, inclusive)
to an xlsx workbook. Both dates default to today.

Examples:
  andon export
  andon export --from 2025-03-01 --to 2025-03-31 --out march.xlsx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.From, "from", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.To, "to", "", "last day (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output file (default andon_<from>_<to>.xlsx)")
	return cmd
}

func runExport(cmd *cobra.Command, opts *exportOptions) error {
	from, to, err := report.DayWindow(opts.From, opts.To, time.Now(), time.Local)
	if err != nil {
		return err
	}
	ctx := context.Background()
	cfg, store, err := opts.openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := report.History(ctx, store, cfg.Layout(), from, to)
	if err != nil {
		return err
	}

	path := opts.Out
	if path == "" {
		path = fmt.Sprintf("andon_%s_%s.xlsx", from.Format("20060102"), to.Format("20060102"))
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := report.WriteExcel(f, records, time.Local); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %d incidents to %s\n", len(records), path)
	return nil
}
