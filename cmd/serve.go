package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/autopublisher/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the run workers.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := server.NewLogger(opts.cfg.Logging)
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), &opts.cfg, logger)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
