package tenantvault

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"southwinds.dev/tenantvault/internal/crypto"
	"southwinds.dev/tenantvault/internal/misc"
	"southwinds.dev/tenantvault/persist"
)

// Clock provides the current time. Tests inject a FixedClock to move tokens
// across their expiry boundary.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock always returns Time.
type FixedClock struct {
	Time time.Time
}

func (c *FixedClock) Now() time.Time {
	return c.Time
}

const handshakeNonceSize = 16

// tokenEncoding rejects non-zero padding bits, so every token has exactly
// one accepted spelling.
var tokenEncoding = base64.RawURLEncoding.Strict()

// Claims are the verified contents of a handshake token.
type Claims struct {
	TenantID string
	UserID   string
	IssuedAt time.Time
	Nonce    string
}

// HandshakeService issues and validates the signed state tokens carried
// through third-party OAuth redirects.
//
// A token is base64url(payload) "." base64url(mac) where payload is
// "tenantID:userID:issuedAtMs:nonce" and mac is HMAC-SHA256 of the payload
// under the handshake key derived from the current master key.
type HandshakeService struct {
	keys   *KeyRing
	clock  Clock
	nonces persist.NonceStore
}

// NewHandshakeService builds the service. A nil clock uses the system clock;
// a nil nonce store disables single-use enforcement in Consume.
func NewHandshakeService(keys *KeyRing, clock Clock, nonces persist.NonceStore) *HandshakeService {
	if clock == nil {
		clock = &SystemClock{}
	}
	return &HandshakeService{keys: keys, clock: clock, nonces: nonces}
}

// Issue returns a fresh token binding tenantID and userID. Identifiers must
// not contain ':'.
func (h *HandshakeService) Issue(tenantID, userID string) (string, error) {
	if err := validateIdentifier("tenant", tenantID); err != nil {
		return "", err
	}
	if err := validateIdentifier("user", userID); err != nil {
		return "", err
	}

	raw, err := crypto.RandomBytes(handshakeNonceSize)
	if err != nil {
		return "", err
	}

	payload := strings.Join([]string{
		tenantID,
		userID,
		strconv.FormatInt(h.clock.Now().UnixMilli(), 10),
		hex.EncodeToString(raw),
	}, ":")

	mac, err := h.sign([]byte(payload))
	if err != nil {
		return "", err
	}
	return tokenEncoding.EncodeToString([]byte(payload)) + "." + tokenEncoding.EncodeToString(mac), nil
}

func (h *HandshakeService) sign(payload []byte) ([]byte, error) {
	key, err := h.keys.derive(h.keys.CurrentVersion(), misc.PurposeHandshake, "")
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	return crypto.Sign(key.Bytes(), payload), nil
}

func (h *HandshakeService) verify(payload, mac []byte) (bool, error) {
	key, err := h.keys.derive(h.keys.CurrentVersion(), misc.PurposeHandshake, "")
	if err != nil {
		return false, err
	}
	defer key.Destroy()
	return crypto.Verify(key.Bytes(), payload, mac), nil
}

// Validate checks the token signature and age. maxAge <= 0 selects the
// default of ten minutes. The signature is checked before any field of the
// payload is trusted.
func (h *HandshakeService) Validate(token string, maxAge time.Duration) (Claims, error) {
	if maxAge <= 0 {
		maxAge = misc.DefaultHandshakeMaxAgeSeconds * time.Second
	}

	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, reject(ErrHandshakeInvalid, reasonMalformed)
	}
	payload, ok := decodeTokenPart(parts[0])
	if !ok || len(payload) == 0 {
		return Claims{}, reject(ErrHandshakeInvalid, reasonMalformed)
	}
	mac, ok := decodeTokenPart(parts[1])
	if !ok || len(mac) != 32 {
		return Claims{}, reject(ErrHandshakeInvalid, reasonMalformed)
	}

	valid, err := h.verify(payload, mac)
	if err != nil {
		return Claims{}, err
	}
	if !valid {
		return Claims{}, reject(ErrHandshakeInvalid, reasonBadSignature)
	}

	fields := strings.Split(string(payload), ":")
	if len(fields) != 4 || fields[0] == "" || fields[1] == "" || len(fields[3]) != 2*handshakeNonceSize {
		return Claims{}, reject(ErrHandshakeInvalid, reasonMalformed)
	}
	issuedMs, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Claims{}, reject(ErrHandshakeInvalid, reasonMalformed)
	}

	claims := Claims{
		TenantID: fields[0],
		UserID:   fields[1],
		IssuedAt: time.UnixMilli(issuedMs).UTC(),
		Nonce:    fields[3],
	}

	age := h.clock.Now().Sub(claims.IssuedAt)
	if age < -misc.HandshakeClockSkewSeconds*time.Second {
		return claims, reject(ErrHandshakeInvalid, reasonFutureIssued)
	}
	if age > maxAge {
		return claims, reject(ErrHandshakeInvalid, reasonExpired)
	}
	return claims, nil
}

// decodeTokenPart accepts only the canonical encoding of the decoded bytes.
func decodeTokenPart(part string) ([]byte, bool) {
	raw, err := tokenEncoding.DecodeString(part)
	if err != nil || tokenEncoding.EncodeToString(raw) != part {
		return nil, false
	}
	return raw, true
}

// Consume redeems the nonce of validated claims. The nonce is remembered
// until no max age accepted by Validate could admit the token again.
func (h *HandshakeService) Consume(ctx context.Context, claims Claims, maxAge time.Duration) error {
	if h.nonces == nil {
		return nil
	}

	window := misc.DefaultHandshakeMaxAgeSeconds * time.Second
	if maxAge > window {
		window = maxAge
	}
	ttl := claims.IssuedAt.Add(window + misc.HandshakeClockSkewSeconds*time.Second).Sub(h.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}

	first, err := h.nonces.Consume(ctx, claims.Nonce, ttl)
	if err != nil {
		return reject(ErrStoreUnavailable, reasonStoreFailure)
	}
	if !first {
		return reject(ErrHandshakeInvalid, reasonReplayed)
	}
	return nil
}
