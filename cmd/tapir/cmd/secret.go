package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tapir/internal/util"
)

var secretBytes int

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a credential signing secret",
	Long: `Prints a random value suitable for TAPIR_SESSION_SECRET. Setting a secret
makes every new credential carry an HMAC; credentials issued without one stop
decoding once it is set.`,
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		if secretBytes < 16 {
			return fmt.Errorf("--bytes must be at least 16, got %d", secretBytes)
		}
		s, err := util.RandomSecret(secretBytes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	},
}

func init() {
	secretCmd.Flags().IntVar(&secretBytes, "bytes", 32, "Number of random bytes")
	rootCmd.AddCommand(secretCmd)
}
