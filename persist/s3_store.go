package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using MinIO as the backend.
// Records of every tenant share one bucket and are separated by prefix:
//
//	bucketName/
//	├── [keyPrefix/]tenant1/
//	│   └── credentials/
//	│       ├── github.json     # encrypted credential record for tenant1/github
//	│       └── slack.json
//	└── [keyPrefix/]tenant2/
//	    └── credentials/
//	        └── github.json
//
// The object body carries the same JSON document the FileSystemStore writes,
// the key version is mirrored into the object user metadata.
type S3Store struct {
	// client is the MinIO client used to interact with the MinIO server.
	client *minio.Client

	// bucketName is the name of the S3 bucket used to store tenant records.
	bucketName string

	// keyPrefix is an optional prefix for the keys in the bucket, allowing for namespace separation
	// if multiple applications use the same bucket.
	keyPrefix string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`          // The endpoint for the S3 service.
	AccessKeyID     string `json:"access_key_id"`     // The Access Key ID for accessing the S3 service.
	SecretAccessKey string `json:"secret_access_key"` // The Secret Access Key for accessing the S3 service.
	Bucket          string `json:"bucket"`            // The S3 bucket to use.
	KeyPrefix       string `json:"key_prefix"`        // The prefix for keys stored in the S3 bucket.
	UseSSL          bool   `json:"use_ssl"`           // Whether to use SSL for the connection.
	Region          string `json:"region"`            // The region of the S3 bucket.
}

// NewS3Store initializes a new S3Store instance using the provided S3 configuration.
// It establishes a connection to a MinIO server and ensures that the configured
// bucket exists, creating it when missing.
//
// Errors:
//   - Returns an error if the bucket name is empty, if the MinIO client fails to initialize,
//     or if the bucket cannot be checked or created.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket name")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
// It validates the store type and unmarshals the configuration map into S3Config.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

func (s3s *S3Store) Put(ctx context.Context, record Record) error {
	if err := validateKey(record.TenantID, record.IntegrationID); err != nil {
		return err
	}
	if len(record.Blob) == 0 {
		return fmt.Errorf("record blob cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	objectName := s3s.recordObjectName(record.TenantID, record.IntegrationID)

	existing, err := s3s.readRecord(ctx, objectName)
	switch {
	case err == nil:
		record.CreatedAt = existing.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return err
	}

	return s3s.writeRecord(ctx, objectName, record, "")
}

// Replace relies on a conditional PutObject against the ETag that was read,
// so a concurrent writer on any node makes it return false.
func (s3s *S3Store) Replace(ctx context.Context, prev, next Record) (bool, error) {
	if err := validateKey(next.TenantID, next.IntegrationID); err != nil {
		return false, err
	}
	if len(next.Blob) == 0 {
		return false, fmt.Errorf("record blob cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	objectName := s3s.recordObjectName(next.TenantID, next.IntegrationID)

	existing, etag, err := s3s.readRecordETag(ctx, objectName)
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

	err = s3s.writeRecord(ctx, objectName, next, etag)
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "PreconditionFailed" || s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, unavailable("put object", err)
	}
	return true, nil
}

// writeRecord uploads record to objectName. A non-empty matchETag makes the
// upload conditional on the object still having that ETag.
func (s3s *S3Store) writeRecord(ctx context.Context, objectName string, record Record, matchETag string) error {
	data, err := json.Marshal(toFileRecord(record))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	opts := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"data-type":      "credential",
			"tenant-id":      record.TenantID,
			"integration-id": record.IntegrationID,
			"key-version":    strconv.Itoa(record.KeyVersion),
			"rotated-at":     record.RotatedAt.UTC().Format(time.RFC3339),
		},
	}
	if matchETag != "" {
		opts.SetMatchETag(matchETag)
	}

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		if matchETag != "" {
			// Replace inspects the S3 error code
			return err
		}
		return unavailable("put object", err)
	}
	return nil
}

func (s3s *S3Store) Get(ctx context.Context, tenantID, integrationID string) (*Record, error) {
	if err := validateKey(tenantID, integrationID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	return s3s.readRecord(ctx, s3s.recordObjectName(tenantID, integrationID))
}

func (s3s *S3Store) Delete(ctx context.Context, tenantID, integrationID string) error {
	if err := validateKey(tenantID, integrationID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	objectName := s3s.recordObjectName(tenantID, integrationID)

	// RemoveObject succeeds on missing keys, so existence is checked first
	if _, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if s3s.isNotFoundError(err) {
			return ErrNotFound
		}
		return unavailable("stat object", err)
	}

	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return unavailable("remove object", err)
	}
	return nil
}

func (s3s *S3Store) List(ctx context.Context, tenantID string) ([]Record, error) {
	if err := validateID("tenant", tenantID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	prefix := s3s.buildTenantPath(tenantID, credentialsDir) + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	})

	records := make([]Record, 0)
	for object := range objectCh {
		if object.Err != nil {
			return nil, unavailable("list objects", object.Err)
		}
		if !strings.HasSuffix(object.Key, recordSuffix) {
			continue
		}

		record, err := s3s.readRecord(ctx, object.Key)
		if err != nil {
			// removed between listing and reading
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, *record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].IntegrationID < records[j].IntegrationID
	})
	return records, nil
}

// Ping tests connectivity by checking that the bucket exists
func (s3s *S3Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return unavailable("ping S3", err)
	}
	if !exists {
		return fmt.Errorf("%w: bucket %s does not exist", ErrUnavailable, s3s.bucketName)
	}
	return nil
}

// Close is a no-op, the MinIO client holds no resources that need releasing
func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) readRecord(ctx context.Context, objectName string) (*Record, error) {
	record, _, err := s3s.readRecordETag(ctx, objectName)
	return record, err
}

func (s3s *S3Store) readRecordETag(ctx context.Context, objectName string) (*Record, string, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", unavailable("get object", err)
	}
	defer object.Close()

	// GetObject is lazy, a missing key only surfaces on the first request
	info, err := object.Stat()
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", unavailable("stat object", err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", unavailable("read object", err)
	}

	var fr fileRecord
	if err = json.Unmarshal(data, &fr); err != nil {
		return nil, "", fmt.Errorf("failed to parse record %s: %w", objectName, err)
	}
	record, err := fr.toRecord()
	if err != nil {
		return nil, "", err
	}
	return record, info.ETag, nil
}

func (s3s *S3Store) recordObjectName(tenantID, integrationID string) string {
	return s3s.buildTenantPath(tenantID, credentialsDir, integrationID+recordSuffix)
}

func (s3s *S3Store) buildTenantPath(tenantID string, components ...string) string {
	var parts []string
	if s3s.keyPrefix != "" {
		parts = append(parts, s3s.keyPrefix)
	}
	parts = append(parts, tenantID)
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return unavailable("check bucket", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
