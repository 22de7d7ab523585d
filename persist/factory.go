package persist

import (
	"fmt"
	"regexp"
	"strings"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	case StoreTypeSQL:
		driver, _ := config.Config["driver"].(string)
		dsn, _ := config.Config["dsn"].(string)
		if driver == "" || dsn == "" {
			return nil, fmt.Errorf("sql storage requires 'driver' and 'dsn' in config")
		}
		return NewSQLStoreFromDSN(driver, dsn)

	case StoreTypeMemory:
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateID rejects identifiers that could escape a tenant directory or object prefix
func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s ID cannot be empty", kind)
	}

	if len(id) > 128 {
		return fmt.Errorf("%s ID too long (max 128 characters)", kind)
	}

	if strings.Contains(id, "..") || !idRegex.MatchString(id) {
		return fmt.Errorf("%s ID contains invalid characters", kind)
	}

	return nil
}

func validateKey(tenantID, integrationID string) error {
	if err := validateID("tenant", tenantID); err != nil {
		return err
	}
	return validateID("integration", integrationID)
}
