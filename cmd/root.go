// Package cmd implements the autopublisher command line.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/autopublisher/internal/config"
)

// rootOptions carries the persistent flags and the config they resolve to.
type rootOptions struct {
	configPath string
	envFile    string
	cfg        config.Config
}

// newRootCmd creates the root command with every subcommand attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "autopublisher",
		Short: "Generates articles and publishes them to content sites on a schedule.",
		Long: `autopublisher runs batches of source items through fetch, research,
generation and linking, then publishes the result to each target site while
respecting per-site daily caps, author rotation and posting gaps.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before config")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
		newSubmitCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
