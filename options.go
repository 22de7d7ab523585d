package tenantvault

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"southwinds.dev/tenantvault/internal/crypto"
	"southwinds.dev/tenantvault/internal/metrics"
	"southwinds.dev/tenantvault/internal/misc"
	"southwinds.dev/tenantvault/persist"
)

// Options represents the configuration parameters of a Vault.
//
// Options separates serializable operational settings from the key material
// the vault runs on. Fields carrying secrets are tagged `json:"-"` and are
// never printed by String, so an Options value can be logged or dumped by the
// CLI without leaking the master key.
//
// KEY MATERIAL:
// MasterKey is the root secret from which every tenant key and the handshake
// signing key are derived with HKDF-SHA256. It must be at least 32 bytes of
// high-entropy data. KeyVersion labels it; every record written by the vault
// stores the version it was encrypted under. RetiredKeys holds previous master
// keys by version so records written before a rotation remain readable. Such
// records are re-encrypted under KeyVersion the next time they are loaded, or
// in bulk through RotateCredentials.
//
// The vault copies the key material into memguard enclaves during New. The
// caller's slices are not modified and may be wiped after New returns.
//
// HANDSHAKE:
// HandshakeMaxAge bounds how long a connection link stays valid when
// CompleteHandshake is called without an explicit max age. NonceStore records
// redeemed links so a link completes at most once. Without a NonceStore the
// vault keeps consumed nonces in process memory, which is only correct for a
// single instance.
//
// AUDIT:
// By default a failing audit sink fails the operation that triggered it with
// ErrStoreUnavailable. BestEffortAudit trades that guarantee for availability:
// sink errors are logged through Logger and dropped.
//
// OBSERVABILITY:
// Logger receives structured diagnostics and defaults to a no-op logger.
// Payloads, tokens and key material are never logged. Metrics is optional;
// when nil no metrics are recorded.
type Options struct {
	// MasterKey is the current master key. Never serialized.
	MasterKey []byte `json:"-"`

	// KeyVersion is the version of MasterKey. Zero selects version 1.
	KeyVersion int `json:"key_version"`

	// RetiredKeys maps older versions to their master keys. Never serialized.
	RetiredKeys map[int][]byte `json:"-"`

	// EnableMemoryLock locks the process memory to keep keys out of swap.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// HandshakeMaxAge is the default validity of connection links.
	HandshakeMaxAge time.Duration `json:"handshake_max_age"`

	// BestEffortAudit logs and drops audit sink errors instead of failing.
	BestEffortAudit bool `json:"best_effort_audit"`

	// KeyCacheSize is the number of derived tenant keys kept in memory.
	// Zero disables the cache.
	KeyCacheSize int64 `json:"key_cache_size"`

	Logger     *zap.Logger        `json:"-"`
	Metrics    *metrics.Metrics   `json:"-"`
	Clock      Clock              `json:"-"`
	Registry   *Registry          `json:"-"`
	NonceStore persist.NonceStore `json:"-"`
}

// Validate checks the Options without touching any backend.
func (o Options) Validate() error {
	if len(o.MasterKey) == 0 {
		return configError("master key is required")
	}
	if len(o.MasterKey) < misc.KeySize {
		return configError("master key must be at least %d bytes", misc.KeySize)
	}
	if crypto.IsWeakKey(o.MasterKey) {
		return configError("master key is too weak")
	}
	if o.KeyVersion < 0 {
		return configError("key version cannot be negative")
	}
	for version := range o.RetiredKeys {
		if version <= 0 {
			return configError("retired key version must be positive, got %d", version)
		}
	}
	if o.HandshakeMaxAge < 0 {
		return configError("handshake max age cannot be negative")
	}
	if o.KeyCacheSize < 0 {
		return configError("key cache size cannot be negative")
	}
	return nil
}

// String describes the options with key material redacted.
func (o Options) String() string {
	master := "***NOT SET***"
	if len(o.MasterKey) > 0 {
		master = "***REDACTED***"
	}
	return fmt.Sprintf(
		"Options{MasterKey: %s, KeyVersion: %d, RetiredKeys: %d, EnableMemoryLock: %t, HandshakeMaxAge: %s, BestEffortAudit: %t, KeyCacheSize: %d}",
		master, o.keyVersion(), len(o.RetiredKeys), o.EnableMemoryLock, o.handshakeMaxAge(), o.BestEffortAudit, o.KeyCacheSize,
	)
}

func (o Options) keyVersion() int {
	if o.KeyVersion == 0 {
		return misc.DefaultKeyVersion
	}
	return o.KeyVersion
}

func (o Options) handshakeMaxAge() time.Duration {
	if o.HandshakeMaxAge == 0 {
		return misc.DefaultHandshakeMaxAgeSeconds * time.Second
	}
	return o.HandshakeMaxAge
}
