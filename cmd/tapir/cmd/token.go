package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tapir/session"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Permanent token tools",
	Long:  `Commands for checking and revoking permanent bearer tokens.`,
}

var tokenCheckCmd = &cobra.Command{
	Use:   "check <user_id>-<secret>",
	Short: "Report whether a permanent token is valid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, secret, err := session.ParseBearer(args[0])
		if err != nil {
			return err
		}
		engine, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		tok, err := engine.AuthenticateToken(cmd.Context(), userID, secret)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "token for user %d is valid (issued %s to %s)\n",
			tok.UserID, tok.IssuedAt.Format(time.RFC3339), tok.IssuedTo)
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <user_id>-<secret>",
	Short: "Revoke a permanent token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, secret, err := session.ParseBearer(args[0])
		if err != nil {
			return err
		}
		engine, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		if err := engine.RevokeToken(cmd.Context(), userID, secret); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "token for user %d revoked\n", userID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenCheckCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}
