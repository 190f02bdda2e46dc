package main

import (
	"context"
	"fmt"
	"industrial-andon/internal/persistence"

	"github.com/spf13/cobra"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply event-log schema migrations",
		Long: `Apply pending schema migrations to the configured SQL event log
(sqlite or postgres) and print the resulting schema version. The WAL and
memory drivers have no schema.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, store, err := root.openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			version, ok, err := persistence.SchemaVersion(ctx, store)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintf(out, "driver %s has no schema to migrate\n", cfg.Storage.Driver)
				return nil
			}
			fmt.Fprintf(out, "driver %s at schema version %d\n", cfg.Storage.Driver, version)
			return nil
		},
	}
}
