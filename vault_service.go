// Package tenantvault stores third-party integration credentials for many
// isolated tenants.
//
// Every tenant gets its own encryption key, derived from a master key with
// HKDF-SHA256. Credential payloads are sealed with ChaCha20-Poly1305 and bound
// to their tenant and integration through the AEAD associated data, so a blob
// moved to another tenant or integration no longer decrypts. OAuth callbacks
// are protected by signed, expiring and single-use handshake tokens, and every
// operation leaves exactly one event in a tamper-evident audit log.
//
// Key Features:
//   - Per-tenant key derivation with versioned master keys
//   - Authenticated encryption using ChaCha20-Poly1305
//   - HMAC-signed handshake tokens with replay protection
//   - Hash-chained audit logging
//   - Pluggable storage on the file system, S3, SQL or memory
//   - Memory protection for key material
//
// Basic Usage:
//
//	v, err := tenantvault.New(store, auditLogger, tenantvault.Options{
//	    MasterKey: masterKey,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer v.Close()
//
//	// Start a connection for team_1
//	token, err := v.BeginHandshake(ctx, "team_1", "user_a")
//
//	// Third party redirects back with token
//	err = v.CompleteHandshake(ctx, token, 0, "github", payload)
//
//	// Use the credential
//	payload, err := v.LoadCredential(ctx, "team_1", "github", "user_a")
package tenantvault

import (
	"context"
	"time"
)

// CredentialInfo describes a stored credential without its payload.
type CredentialInfo struct {
	TenantID      string    `json:"tenant_id"`
	IntegrationID string    `json:"integration_id"`
	KeyVersion    int       `json:"key_version"`
	CreatedAt     time.Time `json:"created_at"`
	RotatedAt     time.Time `json:"rotated_at"`
}

// VaultService defines the operations of the credential vault.
//
// All methods are safe for concurrent use. Every call appends exactly one
// audit event, whether it succeeds or fails. Errors returned are the
// package sentinels (ErrNotFound, ErrAuthentication, ErrHandshakeInvalid,
// ErrStoreUnavailable, ErrInvalidContext) and carry no backend detail.
type VaultService interface {
	// BeginHandshake issues a signed connection token for userID acting on
	// behalf of tenantID. The token is carried through the third-party
	// redirect as OAuth state.
	//
	// Audit: handshake.issued.
	BeginHandshake(ctx context.Context, tenantID, userID string) (string, error)

	// CompleteHandshake validates token, then encrypts and stores payload as
	// the integrationID credential of the tenant named inside the token. A
	// maxAge of zero uses the vault default. A token completes at most once.
	//
	// Nothing is stored unless every step succeeds.
	//
	// Audit: handshake.completed on success, handshake.rejected when the
	// token is refused, credential.stored with outcome failure otherwise.
	CompleteHandshake(ctx context.Context, token string, maxAge time.Duration, integrationID string, payload []byte) error

	// StoreCredential encrypts payload and replaces the integrationID
	// credential of tenantID. Used for token refresh.
	//
	// Audit: credential.stored.
	StoreCredential(ctx context.Context, tenantID, integrationID, actorUserID string, payload []byte) error

	// LoadCredential decrypts and returns the integrationID credential of
	// tenantID. Credentials written under a retired master key are
	// re-encrypted under the current one before returning.
	//
	// Audit: credential.accessed.
	LoadCredential(ctx context.Context, tenantID, integrationID, actorUserID string) ([]byte, error)

	// RevokeCredential deletes the integrationID credential of tenantID.
	// Revoking a credential that does not exist succeeds.
	//
	// Audit: credential.deleted, details.existed tells whether a record was removed.
	RevokeCredential(ctx context.Context, tenantID, integrationID, actorUserID string) error

	// ListCredentials returns the metadata of every credential of tenantID.
	//
	// Audit: credential.listed.
	ListCredentials(ctx context.Context, tenantID, actorUserID string) ([]CredentialInfo, error)

	// RotateCredentials re-encrypts every credential of tenantID that was
	// written under a retired master key and returns how many were rewritten.
	//
	// Audit: credential.rotated.
	RotateCredentials(ctx context.Context, tenantID, actorUserID string) (int, error)

	// Close releases the store, the audit logger and the key material.
	Close() error
}
