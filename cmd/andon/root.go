package main

import (
	"context"
	"fmt"
	"industrial-andon/internal/app"
	"industrial-andon/internal/config"
	"industrial-andon/internal/persistence"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// rootOptions 是所有子命令共用的参数
type rootOptions struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "andon",
		Short:         "Andon line incident lifecycle engine",
		Long:          "Tracks production-line incidents from fault through repair, enforces the global open-incident cap and records every transition in an append-only event log.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default ./config.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	return cmd
}

// load 读取配置并创建日志，日志写到 w
func (o *rootOptions) load(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, app.NewLogger(cfg.Log, w), nil
}

// openStore 打开配置的事件存储，只读命令使用
func (o *rootOptions) openStore(ctx context.Context, cmd *cobra.Command) (*config.Config, persistence.EventStore, error) {
	cfg, logger, err := o.load(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	store, err := persistence.Open(ctx, cfg.Storage.Options, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open event store: %w", err)
	}
	return cfg, store, nil
}
