package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display the configured backends, the current key version and the memory protection level.",
	Args:  cobra.NoArgs,
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Vault Status")
	fmt.Fprintln(out, "============")

	fmt.Fprintf(out, "Memory Protection: %s\n", vault.MemoryProtection())
	fmt.Fprintf(out, "Key Version: %d\n", viper.GetInt("vault.key_version"))
	if retired := viper.GetStringSlice("vault.retired_keys"); len(retired) > 0 {
		fmt.Fprintf(out, "Retired Keys: %d\n", len(retired))
	}
	fmt.Fprintf(out, "Handshake Max Age: %s\n", viper.GetDuration("vault.handshake_max_age"))
	fmt.Fprintf(out, "Credential Store: %s\n", viper.GetString("store.type"))
	fmt.Fprintf(out, "Nonce Store: %s\n", nonceStore.GetType())

	if viper.GetBool("audit.enabled") {
		fmt.Fprintf(out, "Audit Log: %s", viper.GetString("audit.type"))
		if path := auditFilePath(); path != "" && viper.GetString("audit.type") == "file" {
			fmt.Fprintf(out, " (%s)", path)
		}
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, "Audit Log: disabled")
	}
	return nil
}
