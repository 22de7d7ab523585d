package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/tenantvault/internal/misc"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := RandomBytes(misc.KeySize)
	require.NoError(t, err)
	return key
}

func TestSealOpen(t *testing.T) {
	key := testKey(t)
	aad := []byte("team_1:github")

	t.Run("RoundTrip", func(t *testing.T) {
		for _, plaintext := range [][]byte{{}, []byte("x"), bytes.Repeat([]byte("a"), 4096)} {
			blob, err := Seal(key, plaintext, aad)
			require.NoError(t, err)
			assert.Len(t, blob, misc.NonceSize+misc.TagSize+len(plaintext))

			opened, err := Open(key, blob, aad)
			require.NoError(t, err)
			assert.Equal(t, len(plaintext), len(opened))
			assert.True(t, bytes.Equal(plaintext, opened))
		}
	})

	t.Run("FreshNonce", func(t *testing.T) {
		a, err := Seal(key, []byte("same"), aad)
		require.NoError(t, err)
		b, err := Seal(key, []byte("same"), aad)
		require.NoError(t, err)
		assert.NotEqual(t, a[:misc.NonceSize], b[:misc.NonceSize])
		assert.NotEqual(t, a, b)
	})

	t.Run("WrongAAD", func(t *testing.T) {
		blob, err := Seal(key, []byte("secret"), aad)
		require.NoError(t, err)
		_, err = Open(key, blob, []byte("team_2:github"))
		assert.ErrorIs(t, err, ErrOpenFailed)
	})

	t.Run("WrongKey", func(t *testing.T) {
		blob, err := Seal(key, []byte("secret"), aad)
		require.NoError(t, err)
		_, err = Open(testKey(t), blob, aad)
		assert.ErrorIs(t, err, ErrOpenFailed)
	})

	t.Run("Short", func(t *testing.T) {
		_, err := Open(key, make([]byte, misc.NonceSize+misc.TagSize-1), aad)
		assert.ErrorIs(t, err, ErrBlobTooShort)
	})
}

func TestHKDF(t *testing.T) {
	secret := testKey(t)

	a, err := HKDF(secret, misc.DerivationSalt, []byte("purpose\x00tenant-a"), misc.KeySize)
	require.NoError(t, err)
	again, err := HKDF(secret, misc.DerivationSalt, []byte("purpose\x00tenant-a"), misc.KeySize)
	require.NoError(t, err)
	b, err := HKDF(secret, misc.DerivationSalt, []byte("purpose\x00tenant-b"), misc.KeySize)
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, misc.KeySize)
}

func TestSignVerify(t *testing.T) {
	key := testKey(t)
	sig := Sign(key, []byte("payload"))

	assert.True(t, Verify(key, []byte("payload"), sig))
	assert.False(t, Verify(key, []byte("payloae"), sig))
	assert.False(t, Verify(testKey(t), []byte("payload"), sig))
}

func TestIsWeakKey(t *testing.T) {
	assert.True(t, IsWeakKey(make([]byte, 16)), "short key")
	assert.True(t, IsWeakKey(make([]byte, 32)), "all zero")
	assert.True(t, IsWeakKey(bytes.Repeat([]byte{0x41}, 64)), "all same")
	assert.False(t, IsWeakKey(testKey(t)))
}
