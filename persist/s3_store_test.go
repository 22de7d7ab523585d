package persist

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

// integrationEnabled gates tests that need docker or an external service
func integrationEnabled(t *testing.T) {
	t.Helper()
	if os.Getenv("TENANTVAULT_INTEGRATION") != "1" {
		t.Skip("set TENANTVAULT_INTEGRATION=1 to run tests against external services")
	}
}

func TestS3ObjectLayout(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "acme/credentials/github.json"},
		{"tenantvault", "tenantvault/acme/credentials/github.json"},
		{"prod/tenantvault", "prod/tenantvault/acme/credentials/github.json"},
	}

	for _, tt := range tests {
		t.Run("prefix="+tt.prefix, func(t *testing.T) {
			s := &S3Store{keyPrefix: tt.prefix}
			assert.Equal(t, tt.want, s.recordObjectName("acme", "github"))
			assert.Equal(t, strings.TrimSuffix(tt.want, "github.json"), s.buildTenantPath("acme", credentialsDir)+"/")
		})
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(S3Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	_, err = NewS3StoreFromConfig(StoreConfig{Type: StoreTypeFileSystem})
	assert.Error(t, err)
}

// startMinio returns host:port of a MinIO server, either S3_MINIO_ENDPOINT or a fresh container
func startMinio(t *testing.T) (string, bool) {
	t.Helper()

	if endpoint := os.Getenv("S3_MINIO_ENDPOINT"); endpoint != "" {
		useSSL := strings.HasPrefix(endpoint, "https://")
		endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
		endpoint, _, _ = strings.Cut(endpoint, "/")
		if v, err := strconv.ParseBool(os.Getenv("S3_MINIO_USE_SSL")); err == nil {
			useSSL = v
		}
		return endpoint, useSSL
	}

	integrationEnabled(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start MinIO container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate MinIO container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port()), false
}

func TestS3Store(t *testing.T) {
	endpoint, useSSL := startMinio(t)

	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		bucket = "test-tenantvault-store"
	}
	accessKey := os.Getenv("S3_MINIO_ACCESS_KEY_ID")
	if accessKey == "" {
		accessKey = minioUser
	}
	secretKey := os.Getenv("S3_MINIO_SECRET_ACCESS_KEY")
	if secretKey == "" {
		secretKey = minioPassword
	}

	store, err := NewS3StoreFromConfig(StoreConfig{
		Type: StoreTypeS3,
		Config: map[string]interface{}{
			"endpoint":          endpoint,
			"access_key_id":     accessKey,
			"secret_access_key": secretKey,
			"bucket":            bucket,
			"key_prefix":        "test/",
			"use_ssl":           useSSL,
			"region":            "us-east-1",
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { emptyBucket(t, store) })

	testStoreImplementation(t, store)

	t.Run("KeyVersionMetadata", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, Record{
			TenantID: "meta-tenant", IntegrationID: "slack", KeyVersion: 7, Blob: []byte("blob"),
		}))

		info, err := store.client.StatObject(ctx, bucket, store.recordObjectName("meta-tenant", "slack"), minio.StatObjectOptions{})
		require.NoError(t, err)
		var version string
		for k, v := range info.UserMetadata {
			if strings.EqualFold(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"), "key-version") {
				version = v
			}
		}
		assert.Equal(t, "7", version)
	})
}

func emptyBucket(t *testing.T, store *S3Store) {
	ctx := context.Background()
	for object := range store.client.ListObjects(ctx, store.bucketName, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			t.Logf("failed to list objects: %v", object.Err)
			return
		}
		if err := store.client.RemoveObject(ctx, store.bucketName, object.Key, minio.RemoveObjectOptions{}); err != nil {
			t.Logf("failed to delete %s: %v", object.Key, err)
		}
	}
}
