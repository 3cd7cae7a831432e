package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Close every session that has outlived the session duration",
	Long: `Marks each active session whose last reissue is older than the session
duration as invalidated, recording the moment it expired. Safe to run from
cron against a shared store; the server can also do this with --sweep-interval.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		n, err := engine.SweepExpired(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "closed %d expired sessions\n", n)
		return err
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <session-id>",
	Short: "Invalidate a session by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscan(args[0], &id); err != nil || id <= 0 {
			return fmt.Errorf("invalid session id %q", args[0])
		}
		engine, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		if err := engine.InvalidateSession(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %d invalidated\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(invalidateCmd)
}
