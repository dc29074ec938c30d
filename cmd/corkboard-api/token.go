package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/auth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newTokenCommand mints a session token for local development against a
// server that shares the signing secret.
func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("auth.signing_secret"))
			if secret == "" {
				return fmt.Errorf("auth.signing_secret is required")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.SessionClaims{
				UserID:          userID,
				UserDisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id placed in the token")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name shown in presence lists")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
