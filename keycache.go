package tenantvault

import (
	"fmt"

	"github.com/awnumar/memguard"
	ristretto "github.com/dgraph-io/ristretto/v2"
)

// keyCache holds derived tenant keys sealed in memguard enclaves so that a
// hot tenant does not pay for HKDF on every request. A miss only costs a
// re-derivation, which makes ristretto's probabilistic admission harmless.
// Every entry costs 1 and internal cost is ignored, so maxKeys counts keys.
type keyCache struct {
	cache *ristretto.Cache[string, *memguard.Enclave]
}

func newKeyCache(maxKeys int64) (*keyCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *memguard.Enclave]{
		NumCounters:        maxKeys * 10,
		MaxCost:            maxKeys,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create derived key cache: %w", err)
	}
	return &keyCache{cache: cache}, nil
}

// cacheKey includes the master key version, so a rotation never serves a
// key derived from the previous master.
func cacheKey(version int, purpose, tenantID string) string {
	return fmt.Sprintf("v%d:%s:%s", version, purpose, tenantID)
}

func (c *keyCache) get(key string) (*memguard.Enclave, bool) {
	if c == nil {
		return nil, false
	}
	return c.cache.Get(key)
}

func (c *keyCache) set(key string, enclave *memguard.Enclave) {
	if c == nil {
		return
	}
	c.cache.Set(key, enclave, 1)
}

func (c *keyCache) clear() {
	if c == nil {
		return
	}
	c.cache.Clear()
}

func (c *keyCache) close() {
	if c == nil {
		return
	}
	c.cache.Close()
}
