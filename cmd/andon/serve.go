package main

import (
	"context"
	"industrial-andon/internal/app"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type serveOptions struct {
	*rootOptions
	Addr         string
	NoSimulation bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the andon engine, device listener and dashboard API",
		Long: `Run the andon engine.

Recovers open incidents from the event log, then accepts triggers from the
simulator, MQTT device reports and POST /api/reports until SIGINT/SIGTERM.

Examples:
  andon serve
  andon serve --config /etc/andon/config.yaml --addr :9000
  ANDON_STORAGE_DRIVER=sqlite ANDON_STORAGE_PATH=andon.db andon serve --no-sim`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.NoSimulation, "no-sim", false, "disable the incident simulator")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, logger, err := opts.load(os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.NoSimulation {
		cfg.Simulation.Enabled = false
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("初始化失败", "error", err)
		return err
	}
	return a.Run(ctx)
}
