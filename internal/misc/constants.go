package misc

const (
	// KeySize is the length of master and derived keys in bytes.
	KeySize = 32

	// NonceSize and TagSize describe the ChaCha20-Poly1305 blob layout.
	NonceSize = 12
	TagSize   = 16

	// DefaultKeyVersion is assigned to a master key when no version is configured
	DefaultKeyVersion = 1

	// DefaultHandshakeMaxAgeSeconds bounds how long a connection link stays valid.
	DefaultHandshakeMaxAgeSeconds = 600

	// HandshakeClockSkewSeconds tolerates tokens stamped slightly in the future.
	HandshakeClockSkewSeconds = 30

	// MaxPayloadSize limits credential payloads
	MaxPayloadSize = 1024 * 1024

	// MaxIDLength applies to tenant, user and integration identifiers.
	MaxIDLength = 128

	// Key derivation purposes. A key derived for one purpose is never used for another.
	PurposeCredentials = "integration-credentials"
	PurposeHandshake   = "handshake-tokens"

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)

// DerivationSalt is the fixed HKDF salt for this application.
var DerivationSalt = []byte("southwinds.dev/tenantvault/v1/hkdf-salt")
