package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/autopublisher/internal/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed API token for an owner.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if owner == "" {
				return errors.New("--owner is required")
			}
			a := opts.cfg.Auth
			if a.JWTSecret == "" {
				return errors.New("auth.jwt_secret is required to issue tokens")
			}
			svc := auth.NewService(a.JWTSecret, a.Issuer, time.Duration(a.TokenTTLMinutes)*time.Minute)
			token, err := svc.Issue(owner)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id the token is issued to")
	return cmd
}
