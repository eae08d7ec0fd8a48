package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zfogg/sidechain/realtime/internal/auth"
)

func (a *app) tokenCommand() *cobra.Command {
	var ttl time.Duration
	var username string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed access token for --user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := a.v.GetString("secret")
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			user := a.v.GetString("user")
			if username == "" {
				username = user
			}

			token, expiresAt, err := auth.NewIssuer([]byte(secret), ttl).Issue(user, username)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.Flags().StringVar(&username, "username", "", "Username claim (defaults to --user)")
	return cmd
}
