package cmd

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var (
	keygenHex    bool
	keygenLength int
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random master key",
	Long: `Generate a random master key and print it to stdout.

Examples:
  # Base64 encoded 32 byte key
  tenantvault keygen

  # Export it for the current shell
  export TENANTVAULT_MASTER_KEY="$(tenantvault keygen)"`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVar(&keygenHex, "hex", false, "print the key hex encoded")
	keygenCmd.Flags().IntVar(&keygenLength, "length", minKeyLength, "key length in bytes")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if keygenLength < minKeyLength {
		return fmt.Errorf("key length must be at least %d bytes", minKeyLength)
	}

	buf := memguard.NewBufferRandom(keygenLength)
	defer buf.Destroy()

	if keygenHex {
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(buf.Bytes()))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(buf.Bytes()))
	return nil
}
