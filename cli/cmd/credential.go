package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	credTenant      string
	credIntegration string
	credUser        string
	credData        string
	credFile        string
	credJSON        bool
)

var credentialCmd = &cobra.Command{
	Use:     "credential",
	Aliases: []string{"cred"},
	Short:   "Manage tenant credentials",
	Long:    `Store, read, list, revoke and re-encrypt the integration credentials of a tenant.`,
}

var credentialPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Store a credential directly",
	Long: `Encrypt and store a credential without a connection link, e.g. a manually
entered API key. An existing credential for the same integration is replaced.

Examples:
  tenantvault credential put --tenant acme --user admin --integration api_key \
      --data '{"api_key":"sk_live_..."}'`,
	Args: cobra.NoArgs,
	RunE: runCredentialPut,
}

var credentialGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Decrypt and print a credential",
	Args:  cobra.NoArgs,
	RunE:  runCredentialGet,
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the credentials of a tenant",
	Args:  cobra.NoArgs,
	RunE:  runCredentialList,
}

var credentialRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Delete a credential",
	Args:  cobra.NoArgs,
	RunE:  runCredentialRevoke,
}

var credentialRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-encrypt every credential of a tenant under the current key",
	Long: `Re-encrypt every credential of a tenant under the current master key version.
Run this after changing --key-version with the previous key passed as --retired-key.

Examples:
  tenantvault credential rotate --tenant acme --user admin \
      --key-version 2 --retired-key "1=$OLD_KEY"`,
	Args: cobra.NoArgs,
	RunE: runCredentialRotate,
}

func init() {
	rootCmd.AddCommand(credentialCmd)
	credentialCmd.AddCommand(credentialPutCmd, credentialGetCmd, credentialListCmd, credentialRevokeCmd, credentialRotateCmd)

	credentialCmd.PersistentFlags().StringVar(&credTenant, "tenant", "", "tenant ID")
	credentialCmd.PersistentFlags().StringVar(&credUser, "user", "", "acting user ID, recorded in the audit log")
	_ = credentialCmd.MarkPersistentFlagRequired("tenant")
	_ = credentialCmd.MarkPersistentFlagRequired("user")

	for _, c := range []*cobra.Command{credentialPutCmd, credentialGetCmd, credentialRevokeCmd} {
		c.Flags().StringVar(&credIntegration, "integration", "", "integration ID")
		_ = c.MarkFlagRequired("integration")
	}

	credentialPutCmd.Flags().StringVar(&credData, "data", "", "credential payload as JSON")
	credentialPutCmd.Flags().StringVar(&credFile, "file", "", "read the credential payload from a file (- for stdin)")
	credentialListCmd.Flags().BoolVar(&credJSON, "json", false, "output in JSON format")
}

func runCredentialPut(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(credData, credFile)
	if err != nil {
		return err
	}
	defer wipe(payload)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err = vault.StoreCredential(ctx, credTenant, credIntegration, credUser, payload); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s credential stored for tenant %s\n", credIntegration, credTenant)
	return nil
}

func runCredentialGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	payload, err := vault.LoadCredential(ctx, credTenant, credIntegration, credUser)
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}
	defer wipe(payload)

	fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	return nil
}

func runCredentialList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	credentials, err := vault.ListCredentials(ctx, credTenant, credUser)
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	if credJSON {
		return printJSON(credentials)
	}

	if len(credentials) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No credentials stored for tenant %s\n", credTenant)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "INTEGRATION\tKEY VERSION\tCREATED\tROTATED")
	for _, c := range credentials {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			c.IntegrationID, c.KeyVersion,
			c.CreatedAt.Format(time.RFC3339), c.RotatedAt.Format(time.RFC3339))
	}
	return nil
}

func runCredentialRevoke(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := vault.RevokeCredential(ctx, credTenant, credIntegration, credUser); err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s credential revoked for tenant %s\n", credIntegration, credTenant)
	return nil
}

func runCredentialRotate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rotated, err := vault.RotateCredentials(ctx, credTenant, credUser)
	if err != nil {
		return fmt.Errorf("rotation failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d credential(s) re-encrypted for tenant %s\n", rotated, credTenant)
	return nil
}
