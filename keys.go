package tenantvault

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
	"southwinds.dev/tenantvault/internal/crypto"
	"southwinds.dev/tenantvault/internal/metrics"
	"southwinds.dev/tenantvault/internal/misc"
)

// errUnknownKeyVersion is returned by the key ring when a record names a
// master key version that is not loaded.
var errUnknownKeyVersion = errors.New("unknown master key version")

// DeriveKey derives the 32-byte credential key of a tenant from the master key.
//
// The derivation is HKDF-SHA256 with a fixed application salt and
// info = "integration-credentials" || 0x00 || tenantID. It is pure and
// deterministic: the same master key and tenant always produce the same key,
// and different tenants produce independent keys. Derived keys are never
// persisted.
func DeriveKey(masterKey []byte, tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant ID cannot be empty", ErrInvalidContext)
	}
	return DeriveKeyForPurpose(masterKey, misc.PurposeCredentials, tenantID)
}

// DeriveKeyForPurpose derives a key bound to purpose and tenantID. Keys derived
// for different purposes are independent even for the same tenant. The
// handshake signing key uses an empty tenant.
func DeriveKeyForPurpose(masterKey []byte, purpose, tenantID string) ([]byte, error) {
	if len(masterKey) < misc.KeySize {
		return nil, configError("master key must be at least %d bytes", misc.KeySize)
	}
	if purpose == "" {
		return nil, fmt.Errorf("key purpose cannot be empty")
	}

	info := make([]byte, 0, len(purpose)+1+len(tenantID))
	info = append(info, purpose...)
	info = append(info, 0x00)
	info = append(info, tenantID...)

	return crypto.HKDF(masterKey, misc.DerivationSalt, info, misc.KeySize)
}

// KeyRing holds the versioned master keys of the vault inside memguard
// enclaves. One version is current and used for every new encryption; the
// others are retired and only used to read records written before a rotation.
type KeyRing struct {
	mu       sync.RWMutex
	enclaves map[int]*memguard.Enclave
	current  int
	cache    *keyCache
	metrics  *metrics.Metrics
}

// NewKeyRing validates and seals the master keys. masterKey becomes version
// current; retired maps older versions to their keys. The input slices are
// left untouched.
func NewKeyRing(current int, masterKey []byte, retired map[int][]byte) (*KeyRing, error) {
	if current <= 0 {
		return nil, configError("master key version must be positive, got %d", current)
	}

	kr := &KeyRing{enclaves: make(map[int]*memguard.Enclave, len(retired)+1)}
	if err := kr.add(current, masterKey); err != nil {
		return nil, err
	}
	for version, key := range retired {
		if version == current {
			return nil, configError("retired key version %d collides with the current version", version)
		}
		if err := kr.add(version, key); err != nil {
			return nil, err
		}
	}
	kr.current = current
	return kr, nil
}

func (kr *KeyRing) add(version int, key []byte) error {
	if version <= 0 {
		return configError("master key version must be positive, got %d", version)
	}
	if len(key) < misc.KeySize {
		return configError("master key version %d must be at least %d bytes", version, misc.KeySize)
	}
	if crypto.IsWeakKey(key) {
		return configError("master key version %d is too weak", version)
	}

	// NewEnclave wipes its argument
	sealed := make([]byte, len(key))
	copy(sealed, key)
	kr.enclaves[version] = memguard.NewEnclave(sealed)
	return nil
}

// CurrentVersion returns the version used for new encryptions.
func (kr *KeyRing) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// Versions lists every loaded version in ascending order.
func (kr *KeyRing) Versions() []int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	versions := make([]int, 0, len(kr.enclaves))
	for v := range kr.enclaves {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

// Rotate loads a new master key and makes it current. The previous current
// version stays available for reading.
func (kr *KeyRing) Rotate(version int, masterKey []byte) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if _, exists := kr.enclaves[version]; exists {
		return configError("master key version %d already loaded", version)
	}
	if version <= kr.current {
		return configError("new master key version %d must be greater than %d", version, kr.current)
	}
	if err := kr.add(version, masterKey); err != nil {
		return err
	}
	kr.current = version
	return nil
}

// derive returns the key for (version, purpose, tenantID) in a locked buffer
// that the caller must Destroy.
func (kr *KeyRing) derive(version int, purpose, tenantID string) (*memguard.LockedBuffer, error) {
	kr.mu.RLock()
	cache, m := kr.cache, kr.metrics
	enclave, ok := kr.enclaves[version]
	kr.mu.RUnlock()

	ck := cacheKey(version, purpose, tenantID)
	if cache != nil {
		if cached, hit := cache.get(ck); hit {
			if buf, err := cached.Open(); err == nil {
				m.KeyCacheLookup(true)
				return buf, nil
			}
		}
		m.KeyCacheLookup(false)
	}

	if !ok {
		return nil, errUnknownKeyVersion
	}

	master, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master key enclave: %w", err)
	}
	defer master.Destroy()

	key, err := DeriveKeyForPurpose(master.Bytes(), purpose, tenantID)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		sealed := make([]byte, len(key))
		copy(sealed, key)
		cache.set(ck, memguard.NewEnclave(sealed))
	}

	// NewBufferFromBytes wipes key
	return memguard.NewBufferFromBytes(key), nil
}

// withCache enables the derived key cache. Lookups are counted on m.
func (kr *KeyRing) withCache(cache *keyCache, m *metrics.Metrics) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.cache = cache
	kr.metrics = m
}

// Destroy drops every key reference held by the ring.
func (kr *KeyRing) Destroy() {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	for version := range kr.enclaves {
		delete(kr.enclaves, version)
	}
	kr.cache.clear()
	kr.cache.close()
	kr.cache = nil
}
