package tenantvault

import (
	"errors"

	"southwinds.dev/tenantvault/internal/crypto"
	"southwinds.dev/tenantvault/internal/misc"
)

// Cipher encrypts credential payloads under per-tenant keys derived from the
// key ring.
//
// Every ciphertext is bound to its (tenant, integration) pair through the AEAD
// associated data "tenantID:integrationID". A blob copied to another tenant or
// another integration fails to decrypt, even inside the same database.
//
// Blob layout:
//
//	nonce (12 bytes) || tag (16 bytes) || ciphertext
type Cipher struct {
	keys *KeyRing
}

func NewCipher(keys *KeyRing) *Cipher {
	return &Cipher{keys: keys}
}

// associatedData returns the AAD binding a blob to its tenant and integration.
func associatedData(tenantID, integrationID string) []byte {
	return []byte(tenantID + ":" + integrationID)
}

// Encrypt seals plaintext under the current master key version and returns
// the blob together with the version it was written with. A fresh random
// nonce is used for every call.
func (c *Cipher) Encrypt(tenantID, integrationID string, plaintext []byte) ([]byte, int, error) {
	version := c.keys.CurrentVersion()

	key, err := c.keys.derive(version, misc.PurposeCredentials, tenantID)
	if err != nil {
		return nil, 0, err
	}
	defer key.Destroy()

	blob, err := crypto.Seal(key.Bytes(), plaintext, associatedData(tenantID, integrationID))
	if err != nil {
		return nil, 0, err
	}
	return blob, version, nil
}

// Decrypt opens a blob written by Encrypt. Every failure, whatever its cause,
// is an ErrAuthentication; the concrete reason is kept for audit details.
func (c *Cipher) Decrypt(tenantID, integrationID string, keyVersion int, blob []byte) ([]byte, error) {
	if len(blob) < misc.NonceSize+misc.TagSize {
		return nil, reject(ErrAuthentication, reasonBlobTooShort)
	}

	key, err := c.keys.derive(keyVersion, misc.PurposeCredentials, tenantID)
	if err != nil {
		if errors.Is(err, errUnknownKeyVersion) {
			return nil, reject(ErrAuthentication, reasonUnknownVersion)
		}
		return nil, reject(ErrAuthentication, reasonTagMismatch)
	}
	defer key.Destroy()

	plaintext, err := crypto.Open(key.Bytes(), blob, associatedData(tenantID, integrationID))
	if err != nil {
		if errors.Is(err, crypto.ErrBlobTooShort) {
			return nil, reject(ErrAuthentication, reasonBlobTooShort)
		}
		return nil, reject(ErrAuthentication, reasonTagMismatch)
	}
	return plaintext, nil
}
