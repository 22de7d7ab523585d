package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage vault configuration",
	Long:  `View the effective configuration and create a starter config file.`,
}

// configShowCmd shows current configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Display the configuration merged from the config file, environment variables
and flags. Keys and passwords are redacted.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

// configInitCmd initializes a new configuration file
var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Create a configuration file",
	Long: `Create a configuration file with default values. The master key is never
written to it; supply it through TENANTVAULT_MASTER_KEY.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var (
	configForce  bool
	configFormat string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configInitCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	switch configFormat {
	case "yaml":
		config := viper.AllSettings()
		maskSensitiveValues(config)
		data, err := yaml.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Print(string(data))
		return nil
	case "json":
		config := viper.AllSettings()
		maskSensitiveValues(config)
		return printJSON(config)
	case "table":
		return printConfigTable()
	default:
		return fmt.Errorf("unsupported format: %s (use yaml, json or table)", configFormat)
	}
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		if isSensitiveConfigKey(key) && value != nil && value != "" {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\n", key, value)
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to find home directory: %w", err)
		}
		path = filepath.Join(home, ".tenantvault.yaml")
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err = os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}

func defaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"log": map[string]interface{}{
			"level":       "info",
			"development": false,
		},
		"vault": map[string]interface{}{
			"key_version":       1,
			"memory_lock":       false,
			"key_cache_size":    0,
			"handshake_max_age": "10m",
		},
		"store": map[string]interface{}{
			"type": "file",
			"path": ".tenantvault",
		},
		"nonces": map[string]interface{}{
			"type": "memory",
		},
		"audit": map[string]interface{}{
			"enabled":     true,
			"type":        "file",
			"best_effort": false,
		},
	}
}
