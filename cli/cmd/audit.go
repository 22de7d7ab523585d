package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/tenantvault/audit"
)

var (
	auditJsonOutput   bool
	auditSince        string
	auditUntil        string
	auditAction       string
	auditIntegration  string
	auditActor        string
	auditRequestID    string
	auditFailuresOnly bool
	auditLimit        int
	auditOffset       int
	auditDetails      bool
	auditVerifyJSON   bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify audit logs",
	Long: `Query the audit trail of vault operations and verify the integrity of
file based audit logs.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query [tenant-id]",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # All events for a tenant
  tenantvault audit query acme

  # Rejected connection attempts across all tenants
  tenantvault audit query --action handshake.rejected

  # Failures in a time range
  tenantvault audit query acme --failures-only --since "2025-01-01T00:00:00Z" --until "2025-01-31T23:59:59Z"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditQuery,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify the hash chain of a file audit log",
	Long: `Verify that no entry of a file audit log was changed, removed or reordered.
Each entry carries the hash of the entry before it.

Examples:
  tenantvault audit verify .tenantvault/audit.log`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd, auditVerifyCmd)

	flags := auditQueryCmd.Flags()
	flags.BoolVar(&auditJsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&auditSince, "since", "", "events since time (RFC3339)")
	flags.StringVar(&auditUntil, "until", "", "events until time (RFC3339)")
	flags.StringVar(&auditAction, "action", "", "filter by action (e.g. credential.accessed)")
	flags.StringVar(&auditIntegration, "integration", "", "filter by integration ID")
	flags.StringVar(&auditActor, "actor", "", "filter by acting user ID")
	flags.StringVar(&auditRequestID, "request-id", "", "filter by request ID")
	flags.BoolVar(&auditFailuresOnly, "failures-only", false, "show only failed operations")
	flags.IntVar(&auditLimit, "limit", 100, "maximum number of events")
	flags.IntVar(&auditOffset, "offset", 0, "number of events to skip")
	flags.BoolVar(&auditDetails, "details", false, "show event details")

	auditVerifyCmd.Flags().BoolVar(&auditVerifyJSON, "json", false, "output in JSON format")
}

func buildQueryOptions(args []string) (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		IntegrationID: auditIntegration,
		ActorUserID:   auditActor,
		RequestID:     auditRequestID,
		Action:        audit.Action(auditAction),
		Limit:         auditLimit,
		Offset:        auditOffset,
	}
	if len(args) > 0 {
		options.TenantID = args[0]
	}
	if auditFailuresOnly {
		options.Outcome = audit.OutcomeFailure
	}

	if auditSince != "" {
		since, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &since
	}
	if auditUntil != "" {
		until, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &until
	}
	return options, nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions(args)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	result, err := auditLogger.Query(ctx, options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}

	if auditJsonOutput {
		return printJSON(result)
	}
	return outputAuditTable(result)
}

func outputAuditTable(result audit.QueryResult) error {
	if len(result.Events) == 0 {
		fmt.Println("No audit events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	header := "TIMESTAMP\tACTION\tTENANT\tINTEGRATION\tACTOR\tOUTCOME"
	if auditDetails {
		header += "\tDETAILS"
	}
	fmt.Fprintln(w, header)

	for _, event := range result.Events {
		integration := "-"
		if event.IntegrationID != nil {
			integration = *event.IntegrationID
		}
		line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s",
			event.Timestamp.Format(time.RFC3339), event.Action,
			orDash(event.TenantID), integration, orDash(event.ActorUserID), event.Outcome)
		if auditDetails {
			line += "\t" + formatDetails(event.Details)
		}
		fmt.Fprintln(w, line)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nShowing %d of %d events", len(result.Events), result.Filtered)
	if result.HasMore {
		fmt.Print(" (use --offset to see more)")
	}
	fmt.Println()
	return nil
}

func formatDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		value, err := json.Marshal(details[k])
		if err != nil {
			value = []byte(fmt.Sprint(details[k]))
		}
		parts = append(parts, k+"="+string(value))
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path := auditFilePath()
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("audit log path is required")
	}

	result := audit.Verify(path)
	if auditVerifyJSON {
		if err := printJSON(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries, hash chain intact\n", result.Lines)
	}

	if !result.Valid {
		if result.ErrorLine > 0 {
			return fmt.Errorf("audit log broken at line %d: %s", result.ErrorLine, result.Error)
		}
		return fmt.Errorf("audit log verification failed: %s", result.Error)
	}
	return nil
}
