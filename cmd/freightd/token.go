package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"freightflow/auth"
)

// tokenCmd signs a bearer token with the shared secret for operators and
// local testing.
func tokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token [party-id]",
		Short: "Issue a bearer token for a party",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.AccessSecret == "" {
				return fmt.Errorf("JWT_ACCESS_SECRET is required")
			}
			tok, err := auth.NewVerifier(cfg.Auth.AccessSecret).Issue(auth.Principal{PartyID: args[0], Role: auth.Role(role)}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", string(auth.RoleAdmin), "broker, carrier or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
