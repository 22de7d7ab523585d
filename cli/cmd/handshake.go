package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	handshakeTenant      string
	handshakeUser        string
	handshakeToken       string
	handshakeIntegration string
	handshakeData        string
	handshakeFile        string
	handshakeMaxAge      time.Duration
)

var handshakeCmd = &cobra.Command{
	Use:   "handshake",
	Short: "Issue and complete connection links",
	Long: `Connection links carry a signed, single-use token through a third-party
OAuth redirect. The token names the tenant the resulting credential belongs to.`,
}

var handshakeBeginCmd = &cobra.Command{
	Use:   "begin",
	Short: "Issue a connection token",
	Long: `Issue a signed connection token for a user acting on behalf of a tenant.

Examples:
  tenantvault handshake begin --tenant acme --user alice`,
	Args: cobra.NoArgs,
	RunE: runHandshakeBegin,
}

var handshakeCompleteCmd = &cobra.Command{
	Use:   "complete",
	Short: "Complete a connection and store its credential",
	Long: `Validate a connection token and store the credential returned by the provider
for the tenant named in the token. A token completes at most once.

Examples:
  tenantvault handshake complete --token "$TOKEN" --integration github \
      --data '{"access_token":"gho_...","refresh_token":"ghr_..."}'

  # Read the payload from stdin
  cat creds.json | tenantvault handshake complete --token "$TOKEN" --integration slack --file -`,
	Args: cobra.NoArgs,
	RunE: runHandshakeComplete,
}

func init() {
	rootCmd.AddCommand(handshakeCmd)
	handshakeCmd.AddCommand(handshakeBeginCmd, handshakeCompleteCmd)

	handshakeBeginCmd.Flags().StringVar(&handshakeTenant, "tenant", "", "tenant the credential will belong to")
	handshakeBeginCmd.Flags().StringVar(&handshakeUser, "user", "", "user starting the connection")
	_ = handshakeBeginCmd.MarkFlagRequired("tenant")
	_ = handshakeBeginCmd.MarkFlagRequired("user")

	handshakeCompleteCmd.Flags().StringVar(&handshakeToken, "token", "", "connection token returned by the redirect")
	handshakeCompleteCmd.Flags().StringVar(&handshakeIntegration, "integration", "", "integration the credential is for")
	handshakeCompleteCmd.Flags().StringVar(&handshakeData, "data", "", "credential payload as JSON")
	handshakeCompleteCmd.Flags().StringVar(&handshakeFile, "file", "", "read the credential payload from a file (- for stdin)")
	handshakeCompleteCmd.Flags().DurationVar(&handshakeMaxAge, "max-age", 0, "maximum token age (default from vault.handshake_max_age)")
	_ = handshakeCompleteCmd.MarkFlagRequired("token")
	_ = handshakeCompleteCmd.MarkFlagRequired("integration")
}

func runHandshakeBegin(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	token, err := vault.BeginHandshake(ctx, handshakeTenant, handshakeUser)
	if err != nil {
		return fmt.Errorf("failed to issue connection token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runHandshakeComplete(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(handshakeData, handshakeFile)
	if err != nil {
		return err
	}
	defer wipe(payload)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err = vault.CompleteHandshake(ctx, handshakeToken, handshakeMaxAge, handshakeIntegration, payload); err != nil {
		return fmt.Errorf("connection rejected: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s credential stored\n", handshakeIntegration)
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
