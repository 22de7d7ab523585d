package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var noncesCmd = &cobra.Command{
	Use:   "nonces",
	Short: "Maintain the store of redeemed connection tokens",
}

var noncesSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired nonces",
	Long: `Remove nonces whose tokens can no longer be replayed because they have expired.
Redis expires nonces on its own, so sweeping it is a no-op.

Examples:
  tenantvault nonces sweep --nonce-store sql --sql-driver postgres --sql-dsn "$DSN"`,
	Args: cobra.NoArgs,
	RunE: runNoncesSweep,
}

func init() {
	rootCmd.AddCommand(noncesCmd)
	noncesCmd.AddCommand(noncesSweepCmd)
}

func runNoncesSweep(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	removed, err := nonceStore.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d expired nonce(s) removed from %s store\n", removed, nonceStore.GetType())
	return nil
}
