package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/autopublisher/internal/server"
	"github.com/JakeFAU/autopublisher/internal/storage/postgres"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfg.DB.DSN == "" {
				return errors.New("db.dsn is required")
			}
			logger, err := server.NewLogger(opts.cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			pool, err := server.OpenDatabase(cmd.Context(), opts.cfg.DB)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema applied")
			return nil
		},
	}
}
