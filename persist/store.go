package persist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a tenant/integration pair.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable wraps connectivity failures of the backing system.
	ErrUnavailable = errors.New("store unavailable")
)

// Record is one encrypted credential for a (tenant, integration) pair.
// Blob is opaque to the store: nonce || tag || ciphertext, produced by the vault layer.
type Record struct {
	TenantID      string    `json:"tenant_id"`
	IntegrationID string    `json:"integration_id"`
	Blob          []byte    `json:"-"`
	KeyVersion    int       `json:"key_version"`
	CreatedAt     time.Time `json:"created_at"`
	RotatedAt     time.Time `json:"rotated_at"`
}

// Store defines the persistence boundary for encrypted credential records.
// All data passed to this interface is already encrypted and bound to its
// tenant/integration identity by the vault layer.
type Store interface {
	// Put upserts the record keyed by (TenantID, IntegrationID). When a record
	// already exists its CreatedAt is kept and the remaining fields are replaced.
	Put(ctx context.Context, record Record) error

	// Replace writes next only while the stored record still holds the key
	// version and blob of prev. It returns false, and no error, when the
	// record was overwritten or removed since prev was read.
	Replace(ctx context.Context, prev, next Record) (bool, error)

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, tenantID, integrationID string) (*Record, error)

	// Delete removes the record. It returns ErrNotFound when nothing was stored.
	Delete(ctx context.Context, tenantID, integrationID string) error

	// List returns the records of one tenant ordered by integration ID.
	List(ctx context.Context, tenantID string) ([]Record, error)

	// Ping tests the connectivity for remote backends.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/credentials"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains settings specific to the chosen backend, e.g. "base_path"
	// for the file system, bucket and endpoint for S3, "driver" and "dsn" for SQL.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypeSQL        StoreType = "sql"
	StoreTypeMemory     StoreType = "memory"
	StoreTypeRedis      StoreType = "redis"
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
