package persist

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	credentialsDir = "credentials"
	recordSuffix   = ".json"
)

// FileSystemStore implements Store on the local filesystem, one file per record:
//
//	basePath/
//	├── tenant1/
//	│   └── credentials/
//	│       ├── github.json
//	│       └── slack.json
//	└── tenant2/
//	    └── credentials/
//	        └── github.json
type FileSystemStore struct {
	basePath string
	mu       sync.RWMutex
}

// fileRecord is the on-disk form of a Record; the blob is stored hex encoded.
type fileRecord struct {
	TenantID      string    `json:"tenant_id"`
	IntegrationID string    `json:"integration_id"`
	BlobHex       string    `json:"ciphertext_blob"`
	KeyVersion    int       `json:"key_version"`
	CreatedAt     time.Time `json:"created_at"`
	RotatedAt     time.Time `json:"rotated_at"`
}

func toFileRecord(record Record) fileRecord {
	return fileRecord{
		TenantID:      record.TenantID,
		IntegrationID: record.IntegrationID,
		BlobHex:       hex.EncodeToString(record.Blob),
		KeyVersion:    record.KeyVersion,
		CreatedAt:     record.CreatedAt.UTC(),
		RotatedAt:     record.RotatedAt.UTC(),
	}
}

func (fr fileRecord) toRecord() (*Record, error) {
	blob, err := hex.DecodeString(fr.BlobHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record blob: %w", err)
	}

	return &Record{
		TenantID:      fr.TenantID,
		IntegrationID: fr.IntegrationID,
		Blob:          blob,
		KeyVersion:    fr.KeyVersion,
		CreatedAt:     fr.CreatedAt,
		RotatedAt:     fr.RotatedAt,
	}, nil
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	if err := os.MkdirAll(basePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", basePath, err)
	}

	return &FileSystemStore{basePath: basePath}, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
	}

	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) Put(_ context.Context, record Record) error {
	if err := validateKey(record.TenantID, record.IntegrationID); err != nil {
		return err
	}
	if len(record.Blob) == 0 {
		return fmt.Errorf("record blob cannot be empty")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.recordPath(record.TenantID, record.IntegrationID)
	if existing, err := readRecordFile(path); err == nil {
		record.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), DirPermissions); err != nil {
		return fmt.Errorf("failed to create tenant directory: %w", err)
	}

	data, err := json.Marshal(toFileRecord(record))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return writeSecureFile(path, data, FilePermissions)
}

// Replace compares and writes under the store lock. Writers in other
// processes sharing basePath are not excluded.
func (fs *FileSystemStore) Replace(_ context.Context, prev, next Record) (bool, error) {
	if err := validateKey(next.TenantID, next.IntegrationID); err != nil {
		return false, err
	}
	if len(next.Blob) == 0 {
		return false, fmt.Errorf("record blob cannot be empty")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.recordPath(next.TenantID, next.IntegrationID)
	existing, err := readRecordFile(path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sameRecord(*existing, prev) {
		return false, nil
	}
	next.CreatedAt = existing.CreatedAt

	data, err := json.Marshal(toFileRecord(next))
	if err != nil {
		return false, fmt.Errorf("failed to marshal record: %w", err)
	}
	if err = writeSecureFile(path, data, FilePermissions); err != nil {
		return false, err
	}
	return true, nil
}

func (fs *FileSystemStore) Get(_ context.Context, tenantID, integrationID string) (*Record, error) {
	if err := validateKey(tenantID, integrationID); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	return readRecordFile(fs.recordPath(tenantID, integrationID))
}

func (fs *FileSystemStore) Delete(_ context.Context, tenantID, integrationID string) error {
	if err := validateKey(tenantID, integrationID); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.recordPath(tenantID, integrationID)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) List(_ context.Context, tenantID string) ([]Record, error) {
	if err := validateID("tenant", tenantID); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dir := filepath.Join(fs.basePath, tenantID, credentialsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("failed to read tenant directory: %w", err)
	}

	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		record, err := readRecordFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].IntegrationID < records[j].IntegrationID
	})
	return records, nil
}

// Ping checks that the base directory is still reachable
func (fs *FileSystemStore) Ping(context.Context) error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return unavailable("stat base path", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: base path %s is not a directory", ErrUnavailable, fs.basePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) recordPath(tenantID, integrationID string) string {
	return filepath.Join(fs.basePath, tenantID, credentialsDir, integrationID+recordSuffix)
}

func readRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var fr fileRecord
	if err = json.Unmarshal(data, &fr); err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", filepath.Base(path), err)
	}
	return fr.toRecord()
}

// writeSecureFile writes via a temp file and rename so readers never see a partial record
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanup := func(err error) error {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if _, err = tmpFile.Write(data); err != nil {
		return cleanup(fmt.Errorf("failed to write to temp file: %w", err))
	}
	if err = tmpFile.Sync(); err != nil {
		return cleanup(fmt.Errorf("failed to sync temp file: %w", err))
	}
	if err = tmpFile.Chmod(perm); err != nil {
		return cleanup(fmt.Errorf("failed to set permissions: %w", err))
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
