package persist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"southwinds.dev/tenantvault/internal/sqldb"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testNonceStoreImplementation checks single-use semantics. advance moves the
// store's notion of time forward, or is nil when the backend expires on its own.
func testNonceStoreImplementation(t *testing.T, store NonceStore, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("FirstConsumeWins", func(t *testing.T) {
		ok, err := store.Consume(ctx, "nonce-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Consume(ctx, "nonce-a", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "second consume of the same nonce must fail")
	})

	t.Run("IndependentNonces", func(t *testing.T) {
		ok, err := store.Consume(ctx, "nonce-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("EmptyNonce", func(t *testing.T) {
		_, err := store.Consume(ctx, "", time.Minute)
		assert.Error(t, err)
	})

	t.Run("Concurrent", func(t *testing.T) {
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.Consume(ctx, "nonce-race", time.Minute)
				if err == nil && ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	if advance == nil {
		return
	}

	t.Run("ExpiryAndSweep", func(t *testing.T) {
		ok, err := store.Consume(ctx, "nonce-short", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		advance(11 * time.Second)

		removed, err := store.Sweep(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 1)

		advance(2 * time.Minute)
		removed, err = store.Sweep(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 3, "the minute long nonces should now be gone")
	})
}

func TestMemoryNonceStore(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryNonceStore(clock.Now)

	testNonceStoreImplementation(t, store, clock.Advance)
	assert.Equal(t, 0, store.Len())

	t.Run("ExpiredNonceIsReusable", func(t *testing.T) {
		ctx := context.Background()
		ok, err := store.Consume(ctx, "reuse", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(2 * time.Second)
		ok, err = store.Consume(ctx, "reuse", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Sweeper", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := store.Consume(ctx, "swept", time.Second)
		require.NoError(t, err)
		clock.Advance(time.Hour)

		store.StartSweeper(ctx, 10*time.Millisecond)
		assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
	})
}

func TestSQLNonceStoreSQLite(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := NewSQLNonceStoreFromDSN(sqldb.DriverSQLite, sqliteDSN(t, "nonces.db"), clock.Now)
	require.NoError(t, err)
	defer store.Close()

	testNonceStoreImplementation(t, store, clock.Advance)

	t.Run("ExpiredNonceIsReusable", func(t *testing.T) {
		ctx := context.Background()
		ok, err := store.Consume(ctx, "reuse", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(2 * time.Second)
		ok, err = store.Consume(ctx, "reuse", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestNewNonceStore(t *testing.T) {
	store, err := NewNonceStore(NonceStoreConfig{})
	require.NoError(t, err)
	assert.Equal(t, "memory", store.GetType())

	_, err = NewNonceStore(NonceStoreConfig{Type: StoreTypeSQL})
	assert.Error(t, err)

	_, err = NewNonceStore(NonceStoreConfig{Type: StoreTypeRedis, Config: map[string]interface{}{}})
	assert.Error(t, err)

	_, err = NewNonceStore(NonceStoreConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestRedisNonceStore(t *testing.T) {
	integrationEnabled(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: Failed to terminate redis container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	addr := fmt.Sprintf("%s:%s", host, port.Port())

	store, err := NewRedisNonceStoreFromConfig(NonceStoreConfig{
		Type:   StoreTypeRedis,
		Config: map[string]interface{}{"addr": addr, "key_prefix": "test:nonce:"},
	})
	require.NoError(t, err)
	defer store.Close()

	testNonceStoreImplementation(t, store, nil)

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ttl, err := client.TTL(ctx, "test:nonce:nonce-a").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "consumed nonces should carry a TTL")
}
