package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpr1m3/pai-orchestrator/internal/auth"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API access token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			switch role {
			case auth.RoleUser, auth.RoleOperator, auth.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			if ttl <= 0 {
				ttl = cfg.Auth.AccessTokenExpiry
			}

			token, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl).GenerateToken(subject, subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "paictl", "Token subject")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "Role: user, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.access_token_expiry)")
	return cmd
}
