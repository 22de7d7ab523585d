package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"southwinds.dev/tenantvault/internal/misc"
)

var (
	// ErrBlobTooShort is returned when a blob cannot hold a nonce and a tag
	ErrBlobTooShort = errors.New("encrypted data too short")
	// ErrOpenFailed is returned when the AEAD tag does not verify
	ErrOpenFailed = errors.New("message authentication failed")
)

// HKDF expands secret into size bytes using HKDF-SHA256 with the given salt and info.
func HKDF(secret, salt, info []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return out, nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305 and returns nonce || tag || ciphertext.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	ctLen := len(sealed) - aead.Overhead()

	blob := make([]byte, 0, len(nonce)+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed[ctLen:]...)
	blob = append(blob, sealed[:ctLen]...)
	return blob, nil
}

// Open reverses Seal. Any failure after parsing is reported as ErrOpenFailed.
func Open(key, blob, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(blob) < misc.NonceSize+misc.TagSize {
		return nil, ErrBlobTooShort
	}

	nonce := blob[:misc.NonceSize]
	tag := blob[misc.NonceSize : misc.NonceSize+misc.TagSize]
	ciphertext := blob[misc.NonceSize+misc.TagSize:]

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// Sign returns HMAC-SHA256(key, message).
func Sign(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// Verify recomputes the MAC and compares it in constant time.
func Verify(key, message, signature []byte) bool {
	return hmac.Equal(Sign(key, message), signature)
}

// RandomBytes reads n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// IsWeakKey reports keys that are short, constant or have too little byte variety.
func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeySize {
		return true
	}

	uniqueBytes := make(map[byte]struct{}, len(key))
	for _, b := range key {
		uniqueBytes[b] = struct{}{}
	}

	// all-zero and all-same keys fall out of this as well
	return len(uniqueBytes) < 16
}
