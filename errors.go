package tenantvault

import (
	"errors"
	"fmt"
)

// Errors returned by the vault. Callers compare them with errors.Is; the
// messages are safe to show to end users and never carry key material,
// identifiers of other tenants or wrapped backend errors.
var (
	// ErrConfiguration is returned at construction time only. It wraps the
	// detail of what is missing or unacceptable.
	ErrConfiguration = errors.New("vault configuration error")

	// ErrNotFound means no credential is stored for the tenant and integration.
	ErrNotFound = errors.New("credential not found")

	// ErrAuthentication means a stored credential could not be decrypted or
	// verified. The user has to connect the integration again.
	ErrAuthentication = errors.New("credential invalid, reconnection required")

	// ErrHandshakeInvalid means a connection link is expired, forged, already
	// used or otherwise unacceptable.
	ErrHandshakeInvalid = errors.New("connection link expired or invalid")

	// ErrStoreUnavailable means the credential store, nonce store or audit sink
	// could not complete the operation.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrInvalidContext means the tenant, user or integration identifiers or
	// the credential payload were rejected before any storage was touched.
	ErrInvalidContext = errors.New("invalid tenant, user or integration")
)

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// rejection carries the internal reason behind a public sentinel. The reason
// is written to audit details and metrics labels; callers only ever see the
// sentinel.
type rejection struct {
	sentinel error
	reason   string
}

func (r *rejection) Error() string {
	return r.sentinel.Error() + ": " + r.reason
}

func (r *rejection) Unwrap() error {
	return r.sentinel
}

func reject(sentinel error, reason string) error {
	return &rejection{sentinel: sentinel, reason: reason}
}

// Rejection reasons. They are stable strings used in audit details.
const (
	reasonMalformed        = "malformed"
	reasonBadSignature     = "bad_signature"
	reasonExpired          = "expired"
	reasonFutureIssued     = "issued_in_future"
	reasonReplayed         = "replayed"
	reasonBlobTooShort     = "blob_too_short"
	reasonUnknownVersion   = "unknown_key_version"
	reasonTagMismatch      = "tag_mismatch"
	reasonUnknownIntegrate = "unknown_integration"
	reasonInvalidPayload   = "invalid_payload"
	reasonInvalidID        = "invalid_identifier"
	reasonStoreFailure     = "store_failure"
	reasonAuditFailure     = "audit_failure"
)

// severityHigh marks audit events that need a security review.
const severityHigh = "high"

// reasonOf extracts the internal reason of err, or "" when it has none.
func reasonOf(err error) string {
	var r *rejection
	if errors.As(err, &r) {
		return r.reason
	}
	return ""
}

// public reduces err to the sentinel a caller is allowed to see.
func public(err error) error {
	for _, sentinel := range []error{
		ErrNotFound,
		ErrAuthentication,
		ErrHandshakeInvalid,
		ErrInvalidContext,
		ErrStoreUnavailable,
		ErrConfiguration,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return ErrStoreUnavailable
}
