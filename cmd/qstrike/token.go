package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qryptonic/qstrike-stream/internal/config"
	"github.com/qryptonic/qstrike-stream/internal/gateway"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		tenant  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a gateway access token",
		Long:  "Mint an HS256 token for a tenant, signed with the gateway's JWT secret.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := a.cfg.Gateway.JWTSecret
			if secret == "" {
				return fmt.Errorf("no jwt secret (set gateway.jwt_secret or $%s)", config.EnvJWTSecret)
			}
			token, err := gateway.NewAuthenticator(secret).Mint(tenant, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant the token grants access for")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
