package persist

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NonceStore remembers handshake nonces that have already been redeemed so a
// signed token can complete at most one handshake.
type NonceStore interface {
	// Consume marks nonce as used for ttl. It reports true when this call was
	// the first to consume the nonce and false when it had been consumed before.
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)

	// Sweep removes expired entries and returns how many were dropped.
	// Backends with native expiry return zero.
	Sweep(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error

	// GetType retrieves the type of nonce store being used.
	GetType() string
}

// NonceStoreConfig selects and configures a NonceStore backend.
type NonceStoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// NewNonceStore creates the backend named by config.Type: memory, redis or sql.
func NewNonceStore(config NonceStoreConfig) (NonceStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryNonceStore(time.Now), nil

	case StoreTypeRedis:
		return NewRedisNonceStoreFromConfig(config)

	case StoreTypeSQL:
		driver, _ := config.Config["driver"].(string)
		dsn, _ := config.Config["dsn"].(string)
		if driver == "" || dsn == "" {
			return nil, fmt.Errorf("sql nonce store requires 'driver' and 'dsn' in config")
		}
		return NewSQLNonceStoreFromDSN(driver, dsn, time.Now)

	default:
		return nil, fmt.Errorf("unsupported nonce store type: %s", config.Type)
	}
}

// MemoryNonceStore tracks consumed nonces in a map guarded by a mutex.
type MemoryNonceStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryNonceStore creates an in-process nonce store; now supplies the current time.
func NewMemoryNonceStore(now func() time.Time) *MemoryNonceStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonceStore{
		expires: make(map[string]time.Time),
		now:     now,
	}
}

func (m *MemoryNonceStore) Consume(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, fmt.Errorf("nonce cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.expires[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[nonce] = now.Add(ttl)
	return true, nil
}

func (m *MemoryNonceStore) Sweep(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for nonce, exp := range m.expires {
		if !now.Before(exp) {
			delete(m.expires, nonce)
			removed++
		}
	}
	return removed, nil
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (m *MemoryNonceStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = m.Sweep(ctx)
			}
		}
	}()
}

// Len returns the number of tracked nonces, expired or not.
func (m *MemoryNonceStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expires)
}

func (m *MemoryNonceStore) Close() error { return nil }

func (m *MemoryNonceStore) GetType() string {
	return string(StoreTypeMemory)
}
