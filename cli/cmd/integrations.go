package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"southwinds.dev/tenantvault"
)

var integrationsCmd = &cobra.Command{
	Use:   "integrations",
	Short: "List the integrations credentials can be stored for",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range tenantvault.DefaultRegistry().IDs() {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(integrationsCmd)
}
