package tenantvault

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/tenantvault/internal/metrics"
	"southwinds.dev/tenantvault/internal/misc"
)

func newMasterKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, misc.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestKeyRing(t *testing.T, masterKey []byte) *KeyRing {
	t.Helper()
	kr, err := NewKeyRing(1, masterKey, nil)
	require.NoError(t, err)
	t.Cleanup(kr.Destroy)
	return kr
}

func TestDeriveKey(t *testing.T) {
	master := newMasterKey(t)

	t.Run("Deterministic", func(t *testing.T) {
		k1, err := DeriveKey(master, "team_1")
		require.NoError(t, err)
		k2, err := DeriveKey(master, "team_1")
		require.NoError(t, err)
		assert.Len(t, k1, misc.KeySize)
		assert.Equal(t, k1, k2)
	})

	t.Run("DistinctTenants", func(t *testing.T) {
		k1, err := DeriveKey(master, "team_1")
		require.NoError(t, err)
		k2, err := DeriveKey(master, "team_2")
		require.NoError(t, err)
		assert.NotEqual(t, k1, k2)
	})

	t.Run("DistinctMasterKeys", func(t *testing.T) {
		k1, err := DeriveKey(master, "team_1")
		require.NoError(t, err)
		k2, err := DeriveKey(newMasterKey(t), "team_1")
		require.NoError(t, err)
		assert.NotEqual(t, k1, k2)
	})

	t.Run("DistinctPurposes", func(t *testing.T) {
		k1, err := DeriveKeyForPurpose(master, misc.PurposeCredentials, "team_1")
		require.NoError(t, err)
		k2, err := DeriveKeyForPurpose(master, misc.PurposeHandshake, "team_1")
		require.NoError(t, err)
		assert.NotEqual(t, k1, k2)
	})

	t.Run("SeparatorPreventsAmbiguity", func(t *testing.T) {
		// "ab" + "c" and "a" + "bc" must not collide
		k1, err := DeriveKeyForPurpose(master, "ab", "c")
		require.NoError(t, err)
		k2, err := DeriveKeyForPurpose(master, "a", "bc")
		require.NoError(t, err)
		assert.NotEqual(t, k1, k2)
	})

	t.Run("EmptyTenant", func(t *testing.T) {
		_, err := DeriveKey(master, "")
		assert.ErrorIs(t, err, ErrInvalidContext)
	})

	t.Run("ShortMasterKey", func(t *testing.T) {
		_, err := DeriveKey(master[:16], "team_1")
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("InputUntouched", func(t *testing.T) {
		before := append([]byte(nil), master...)
		_, err := DeriveKey(master, "team_1")
		require.NoError(t, err)
		assert.Equal(t, before, master)
	})
}

func TestNewKeyRing(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		master := newMasterKey(t)
		before := append([]byte(nil), master...)

		kr, err := NewKeyRing(3, master, map[int][]byte{1: newMasterKey(t), 2: newMasterKey(t)})
		require.NoError(t, err)
		defer kr.Destroy()

		assert.Equal(t, 3, kr.CurrentVersion())
		assert.Equal(t, []int{1, 2, 3}, kr.Versions())
		assert.Equal(t, before, master, "caller's key must not be wiped")
	})

	tests := []struct {
		name    string
		version int
		key     []byte
		retired map[int][]byte
	}{
		{"ZeroVersion", 0, newMasterKey(t), nil},
		{"ShortKey", 1, make([]byte, 16), nil},
		{"ConstantKey", 1, bytes.Repeat([]byte{0x42}, 32), nil},
		{"ZeroKey", 1, make([]byte, 32), nil},
		{"RetiredCollision", 1, newMasterKey(t), map[int][]byte{1: newMasterKey(t)}},
		{"RetiredNegativeVersion", 2, newMasterKey(t), map[int][]byte{-1: newMasterKey(t)}},
		{"WeakRetiredKey", 2, newMasterKey(t), map[int][]byte{1: bytes.Repeat([]byte{1, 2}, 16)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyRing(tt.version, tt.key, tt.retired)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestKeyRingDerive(t *testing.T) {
	master := newMasterKey(t)
	kr := newTestKeyRing(t, master)

	buf, err := kr.derive(1, misc.PurposeCredentials, "team_1")
	require.NoError(t, err)
	defer buf.Destroy()

	expected, err := DeriveKey(master, "team_1")
	require.NoError(t, err)
	assert.Equal(t, expected, buf.Bytes())

	_, err = kr.derive(7, misc.PurposeCredentials, "team_1")
	assert.ErrorIs(t, err, errUnknownKeyVersion)
}

func TestKeyRingRotate(t *testing.T) {
	oldKey := newMasterKey(t)
	kr := newTestKeyRing(t, oldKey)

	newKey := newMasterKey(t)
	assert.ErrorIs(t, kr.Rotate(1, newKey), ErrConfiguration, "already loaded")
	assert.ErrorIs(t, kr.Rotate(0, newKey), ErrConfiguration)
	assert.ErrorIs(t, kr.Rotate(2, make([]byte, 32)), ErrConfiguration)
	assert.Equal(t, 1, kr.CurrentVersion())

	require.NoError(t, kr.Rotate(2, newKey))
	assert.Equal(t, 2, kr.CurrentVersion())
	assert.Equal(t, []int{1, 2}, kr.Versions())

	old, err := kr.derive(1, misc.PurposeCredentials, "team_1")
	require.NoError(t, err)
	defer old.Destroy()
	current, err := kr.derive(2, misc.PurposeCredentials, "team_1")
	require.NoError(t, err)
	defer current.Destroy()
	assert.NotEqual(t, old.Bytes(), current.Bytes())
}

func TestKeyRingCache(t *testing.T) {
	master := newMasterKey(t)
	kr := newTestKeyRing(t, master)

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	cache, err := newKeyCache(16)
	require.NoError(t, err)
	kr.withCache(cache, m)

	first, err := kr.derive(1, misc.PurposeCredentials, "team_1")
	require.NoError(t, err)
	firstKey := append([]byte(nil), first.Bytes()...)
	first.Destroy()

	// ristretto applies writes asynchronously
	cache.cache.Wait()

	second, err := kr.derive(1, misc.PurposeCredentials, "team_1")
	require.NoError(t, err)
	defer second.Destroy()

	assert.Equal(t, firstKey, second.Bytes())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeyCacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeyCacheLookups.WithLabelValues("hit")))

	// other tenants and versions never share a slot
	assert.NotEqual(t, cacheKey(1, misc.PurposeCredentials, "team_1"), cacheKey(2, misc.PurposeCredentials, "team_1"))
	assert.NotEqual(t, cacheKey(1, misc.PurposeCredentials, "team_1"), cacheKey(1, misc.PurposeHandshake, "team_1"))
}

func TestKeyCacheHoldsMaxKeys(t *testing.T) {
	cache, err := newKeyCache(8)
	require.NoError(t, err)
	t.Cleanup(cache.close)

	for i := 0; i < 4; i++ {
		cache.set(cacheKey(1, misc.PurposeCredentials, fmt.Sprintf("team_%d", i)), memguard.NewEnclave([]byte("0123456789abcdef0123456789abcdef")))
	}
	cache.cache.Wait()

	for i := 0; i < 4; i++ {
		_, hit := cache.get(cacheKey(1, misc.PurposeCredentials, fmt.Sprintf("team_%d", i)))
		assert.True(t, hit, "team_%d should be cached", i)
	}
}

func TestKeyRingDestroy(t *testing.T) {
	kr, err := NewKeyRing(1, newMasterKey(t), nil)
	require.NoError(t, err)
	cache, err := newKeyCache(4)
	require.NoError(t, err)
	kr.withCache(cache, nil)

	kr.Destroy()

	_, err = kr.derive(1, misc.PurposeCredentials, "team_1")
	assert.ErrorIs(t, err, errUnknownKeyVersion)
	assert.Empty(t, kr.Versions())
}
