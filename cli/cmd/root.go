package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"southwinds.dev/tenantvault"
	"southwinds.dev/tenantvault/audit"
	"southwinds.dev/tenantvault/internal/logging"
	"southwinds.dev/tenantvault/persist"
)

const envPrefix = "TENANTVAULT"

var (
	cfgFile     string
	vault       *tenantvault.Vault
	auditLogger audit.Logger
	nonceStore  persist.NonceStore
	logger      *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tenantvault",
	Short: "A multi-tenant vault for third-party integration credentials",
	Long: `A vault that stores OAuth tokens and API credentials for many isolated tenants.
Each tenant's credentials are encrypted with ChaCha20-Poly1305 under a key derived
from the master key, connection links are signed and single-use, and every
operation is recorded in an audit log.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeVault,
	PersistentPostRunE: closeVault,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tenantvault.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-dev", false, "human readable development logging")

	// Key material
	flags.String("master-key", "", "master key, base64 or hex (or use TENANTVAULT_MASTER_KEY)")
	flags.Int("key-version", 0, "version of the master key")
	flags.StringSlice("retired-key", nil, "retired master key as version=key, repeatable")
	flags.Bool("memory-lock", false, "lock process memory to keep keys out of swap")
	flags.Int64("key-cache-size", 0, "number of derived tenant keys to cache (0 disables)")
	flags.Duration("handshake-max-age", 0, "default validity of connection links")

	bindFlagOrPanic("log.level", "log-level")
	bindFlagOrPanic("log.development", "log-dev")
	bindFlagOrPanic("vault.master_key", "master-key")
	bindFlagOrPanic("vault.key_version", "key-version")
	bindFlagOrPanic("vault.retired_keys", "retired-key")
	bindFlagOrPanic("vault.memory_lock", "memory-lock")
	bindFlagOrPanic("vault.key_cache_size", "key-cache-size")
	bindFlagOrPanic("vault.handshake_max_age", "handshake-max-age")

	// Credential store
	flags.String("store-type", "", "credential store backend (file, s3, sql, memory)")
	flags.String("store-path", "", "base path of the file store")
	flags.String("sql-driver", "", "sql driver (sqlite, postgres, mysql)")
	flags.String("sql-dsn", "", "sql data source name")

	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.sql.driver", "sql-driver")
	bindFlagOrPanic("store.sql.dsn", "sql-dsn")

	// S3 flags (for direct CLI usage)
	flags.String("s3-endpoint", "", "S3 endpoint host:port")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-bucket", "", "S3 bucket name")
	flags.String("s3-prefix", "", "S3 key prefix")
	flags.String("s3-access-key", "", "S3 access key ID")
	flags.String("s3-secret-key", "", "S3 secret access key")
	flags.Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")

	// Nonce store
	flags.String("nonce-store", "", "handshake nonce store (memory, redis, sql)")
	flags.String("redis-addr", "", "redis address host:port")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database number")

	bindFlagOrPanic("nonces.type", "nonce-store")
	bindFlagOrPanic("nonces.redis.addr", "redis-addr")
	bindFlagOrPanic("nonces.redis.password", "redis-password")
	bindFlagOrPanic("nonces.redis.db", "redis-db")

	// Audit flags
	flags.Bool("audit", true, "enable audit logging")
	flags.String("audit-type", "", "audit logger type (file, syslog, database)")
	flags.String("audit-file", "", "audit log file path")
	flags.Bool("audit-best-effort", false, "log and drop audit sink errors instead of failing")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
	bindFlagOrPanic("audit.best_effort", "audit-best-effort")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/tenantvault")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".tenantvault")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}

	// TENANTVAULT_MASTER_KEY is the documented name, not TENANTVAULT_VAULT_MASTER_KEY
	if err := viper.BindEnv("vault.master_key", envPrefix+"_MASTER_KEY"); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding master key env: %v\n", err)
	}
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)

	viper.SetDefault("vault.key_version", 1)
	viper.SetDefault("vault.handshake_max_age", 10*time.Minute)

	viper.SetDefault("store.type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("store.path", ".tenantvault")
	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.prefix", "tenantvault/")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("nonces.type", string(persist.StoreTypeMemory))

	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.options.file_path", "")
	viper.SetDefault("audit.log_level", "info")
}

// commands that never open the vault
var standalone = map[string]bool{
	"help":         true,
	"completion":   true,
	"__complete":   true,
	"config":       true,
	"show":         true,
	"init":         true,
	"keygen":       true,
	"integrations": true,
	"verify":       true,
}

func initializeVault(cmd *cobra.Command, args []string) error {
	var err error
	logger, err = logging.New(viper.GetString("log.level"), viper.GetBool("log.development"))
	if err != nil {
		return err
	}

	logger.Debug("command started", zap.String("command", cmd.CommandPath()), zap.Any("flags", sanitizeFlags(cmd)))

	if standalone[cmd.Name()] {
		return nil
	}

	logger.Debug("configuration loaded",
		zap.String("config_file", viper.ConfigFileUsed()),
		logging.Redacted("master_key", viper.GetString("vault.master_key")),
		zap.String("store_type", viper.GetString("store.type")),
		zap.String("nonce_store_type", viper.GetString("nonces.type")),
	)

	options, err := vaultOptions()
	if err != nil {
		return err
	}

	store, err := createStore()
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}

	auditLogger, err = createAuditLogger()
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	nonceStore, err = createNonceStore()
	if err != nil {
		_ = store.Close()
		_ = auditLogger.Close()
		return fmt.Errorf("failed to create nonce store: %w", err)
	}
	options.NonceStore = nonceStore

	vault, err = tenantvault.New(store, auditLogger, options)
	clear(options.MasterKey)
	for _, key := range options.RetiredKeys {
		clear(key)
	}
	if err != nil {
		_ = store.Close()
		_ = auditLogger.Close()
		_ = nonceStore.Close()
		return err
	}
	return nil
}

func closeVault(cmd *cobra.Command, args []string) error {
	var errs []error
	if vault != nil {
		errs = append(errs, vault.Close())
	}
	if nonceStore != nil {
		errs = append(errs, nonceStore.Close())
	}
	if logger != nil {
		_ = logger.Sync()
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func vaultOptions() (tenantvault.Options, error) {
	encoded := viper.GetString("vault.master_key")
	if encoded == "" {
		return tenantvault.Options{}, fmt.Errorf("%w: master key is required. Use --master-key or the %s_MASTER_KEY environment variable",
			tenantvault.ErrConfiguration, envPrefix)
	}
	masterKey, err := decodeKey(encoded)
	if err != nil {
		return tenantvault.Options{}, fmt.Errorf("%w: master key: %v", tenantvault.ErrConfiguration, err)
	}

	retired, err := parseRetiredKeys(viper.GetStringSlice("vault.retired_keys"))
	if err != nil {
		return tenantvault.Options{}, fmt.Errorf("%w: %v", tenantvault.ErrConfiguration, err)
	}

	return tenantvault.Options{
		MasterKey:        masterKey,
		KeyVersion:       viper.GetInt("vault.key_version"),
		RetiredKeys:      retired,
		EnableMemoryLock: viper.GetBool("vault.memory_lock"),
		HandshakeMaxAge:  viper.GetDuration("vault.handshake_max_age"),
		BestEffortAudit:  viper.GetBool("audit.best_effort"),
		KeyCacheSize:     viper.GetInt64("vault.key_cache_size"),
		Logger:           logger,
	}, nil
}

func createStore() (persist.Store, error) {
	storeType := persist.StoreType(strings.ToLower(viper.GetString("store.type")))

	switch storeType {
	case persist.StoreTypeFileSystem:
		return persist.NewStore(persist.StoreConfig{
			Type:   storeType,
			Config: map[string]interface{}{"base_path": viper.GetString("store.path")},
		})

	case persist.StoreTypeS3:
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("store.s3.endpoint"),
			AccessKeyID:     viper.GetString("store.s3.access_key_id"),
			SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
			Bucket:          viper.GetString("store.s3.bucket"),
			KeyPrefix:       viper.GetString("store.s3.prefix"),
			UseSSL:          viper.GetBool("store.s3.use_ssl"),
			Region:          viper.GetString("store.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config)

	case persist.StoreTypeSQL:
		return persist.NewStore(persist.StoreConfig{
			Type: storeType,
			Config: map[string]interface{}{
				"driver": viper.GetString("store.sql.driver"),
				"dsn":    viper.GetString("store.sql.dsn"),
			},
		})

	case persist.StoreTypeMemory:
		logger.Warn("memory store selected, credentials are lost when the command exits")
		return persist.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: file, s3, sql, memory", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "store.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "store.s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "store.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "store.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func createAuditLogger() (audit.Logger, error) {
	filePath := auditFilePath()
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": filePath,
			"driver":    viper.GetString("audit.options.driver"),
			"dsn":       viper.GetString("audit.options.dsn"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

// auditFilePath defaults to audit.log next to the file store.
func auditFilePath() string {
	filePath := viper.GetString("audit.options.file_path")
	if filePath == "" && viper.GetString("store.type") == string(persist.StoreTypeFileSystem) {
		filePath = filepath.Join(viper.GetString("store.path"), "audit.log")
	}
	return filePath
}

func createNonceStore() (persist.NonceStore, error) {
	nonceType := persist.StoreType(strings.ToLower(viper.GetString("nonces.type")))

	config := map[string]interface{}{}
	switch nonceType {
	case persist.StoreTypeRedis:
		config["addr"] = viper.GetString("nonces.redis.addr")
		config["username"] = viper.GetString("nonces.redis.username")
		config["password"] = viper.GetString("nonces.redis.password")
		config["db"] = viper.GetInt("nonces.redis.db")
		config["key_prefix"] = viper.GetString("nonces.redis.key_prefix")
	case persist.StoreTypeSQL:
		// defaults to the credential database
		driver, dsn := viper.GetString("nonces.sql.driver"), viper.GetString("nonces.sql.dsn")
		if driver == "" {
			driver, dsn = viper.GetString("store.sql.driver"), viper.GetString("store.sql.dsn")
		}
		config["driver"] = driver
		config["dsn"] = dsn
	}

	return persist.NewNonceStore(persist.NonceStoreConfig{Type: nonceType, Config: config})
}

// sanitizeFlags returns the flags set on cmd with secret values redacted
func sanitizeFlags(cmd *cobra.Command) map[string]string {
	flags := make(map[string]string)
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

func isSensitiveFlag(name string) bool {
	switch name {
	case "master-key", "retired-key", "s3-secret-key", "s3-access-key", "redis-password", "sql-dsn", "token", "data":
		return true
	}
	return false
}

// commandContext bounds a single CLI invocation.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}
