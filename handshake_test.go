package tenantvault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/tenantvault/persist"
)

var handshakeEpoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestHandshakes(t *testing.T) (*HandshakeService, *FixedClock) {
	t.Helper()
	clock := &FixedClock{Time: handshakeEpoch}
	nonces := persist.NewMemoryNonceStore(clock.Now)
	return NewHandshakeService(newTestKeyRing(t, newMasterKey(t)), clock, nonces), clock
}

// mutateToken re-encodes part of token after passing its decoded bytes through mutate
func mutateToken(t *testing.T, token string, part int, mutate func([]byte) []byte) string {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 2)
	raw, err := tokenEncoding.DecodeString(parts[part])
	require.NoError(t, err)
	parts[part] = tokenEncoding.EncodeToString(mutate(raw))
	return strings.Join(parts, ".")
}

func TestHandshakeIssueValidate(t *testing.T) {
	h, clock := newTestHandshakes(t)

	token, err := h.Issue("team_1", "user_a")
	require.NoError(t, err)
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")

	clock.Time = clock.Time.Add(2 * time.Minute)
	claims, err := h.Validate(token, 0)
	require.NoError(t, err)
	assert.Equal(t, "team_1", claims.TenantID)
	assert.Equal(t, "user_a", claims.UserID)
	assert.True(t, claims.IssuedAt.Equal(handshakeEpoch))
	assert.Len(t, claims.Nonce, 32)
}

func TestHandshakeTokenFormat(t *testing.T) {
	h, _ := newTestHandshakes(t)

	token, err := h.Issue("team_1", "user_a")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 2)
	payload, err := tokenEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	mac, err := tokenEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	fields := strings.Split(string(payload), ":")
	require.Len(t, fields, 4)
	assert.Equal(t, "team_1", fields[0])
	assert.Equal(t, "user_a", fields[1])
	assert.Equal(t, "1741944413000", fields[2])
	assert.Len(t, mac, 32)

	other, err := h.Issue("team_1", "user_a")
	require.NoError(t, err)
	assert.NotEqual(t, token, other, "nonces must differ")
}

func TestHandshakeExpiry(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		maxAge  time.Duration
		reason  string
	}{
		{"AtDefaultMaxAge", 600 * time.Second, 0, ""},
		{"PastDefaultMaxAge", 601 * time.Second, 0, reasonExpired},
		{"CustomMaxAge", 61 * time.Second, time.Minute, reasonExpired},
		{"WithinCustomMaxAge", 59 * time.Second, time.Minute, ""},
		{"SlightlyInFuture", -29 * time.Second, 0, ""},
		{"FarInFuture", -31 * time.Second, 0, reasonFutureIssued},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, clock := newTestHandshakes(t)
			token, err := h.Issue("team_1", "user_a")
			require.NoError(t, err)

			clock.Time = clock.Time.Add(tt.elapsed)
			_, err = h.Validate(token, tt.maxAge)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrHandshakeInvalid)
			assert.Equal(t, tt.reason, reasonOf(err))
		})
	}
}

func TestHandshakeTamper(t *testing.T) {
	h, _ := newTestHandshakes(t)
	token, err := h.Issue("team_1", "user_a")
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{"Empty", "", reasonMalformed},
		{"NoSeparator", strings.Replace(token, ".", "", 1), reasonMalformed},
		{"ExtraPart", token + ".AAAA", reasonMalformed},
		{"BadBase64", "!!!." + strings.Split(token, ".")[1], reasonMalformed},
		{"TruncatedMAC", mutateToken(t, token, 1, func(b []byte) []byte { return b[:16] }), reasonMalformed},
		{"PayloadByteFlipped", mutateToken(t, token, 0, func(b []byte) []byte {
			b[len(b)-1] ^= 0x01
			return b
		}), reasonBadSignature},
		{"TenantSwapped", mutateToken(t, token, 0, func(b []byte) []byte {
			return []byte(strings.Replace(string(b), "team_1", "team_2", 1))
		}), reasonBadSignature},
		{"MACByteFlipped", mutateToken(t, token, 1, func(b []byte) []byte {
			b[0] ^= 0x80
			return b
		}), reasonBadSignature},
		{"MACPaddingBitsSet", setPaddingBits(t, token), reasonMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Validate(tt.token, 0)
			assert.ErrorIs(t, err, ErrHandshakeInvalid)
			assert.Equal(t, tt.reason, reasonOf(err))
		})
	}
}

const urlAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// setPaddingBits rewrites the last MAC character so that it decodes to the
// same bytes under a lenient decoder
func setPaddingBits(t *testing.T, token string) string {
	t.Helper()
	last := strings.IndexByte(urlAlphabet, token[len(token)-1])
	require.GreaterOrEqual(t, last, 0)
	// 32 bytes leave two unused low bits in the final character
	require.Zero(t, last&0x03)
	return token[:len(token)-1] + string(urlAlphabet[last|0x01])
}

func TestHandshakeSingleCharacterChange(t *testing.T) {
	h, _ := newTestHandshakes(t)
	token, err := h.Issue("team_1", "user_a")
	require.NoError(t, err)
	_, err = h.Validate(token, 0)
	require.NoError(t, err)

	var accepted []string
	for i := 0; i < len(token); i++ {
		for _, c := range []byte(urlAlphabet + ".") {
			if c == token[i] {
				continue
			}
			changed := token[:i] + string(c) + token[i+1:]
			if _, err := h.Validate(changed, 0); !errors.Is(err, ErrHandshakeInvalid) {
				accepted = append(accepted, fmt.Sprintf("position %d -> %q", i, c))
			}
		}
	}
	assert.Empty(t, accepted, "every single character change must be rejected")
}

func TestHandshakeOtherMasterKey(t *testing.T) {
	h1, _ := newTestHandshakes(t)
	h2, _ := newTestHandshakes(t)

	token, err := h1.Issue("team_1", "user_a")
	require.NoError(t, err)

	_, err = h2.Validate(token, 0)
	assert.ErrorIs(t, err, ErrHandshakeInvalid)
	assert.Equal(t, reasonBadSignature, reasonOf(err))
}

func TestHandshakeIssueRejectsIdentifiers(t *testing.T) {
	h, _ := newTestHandshakes(t)

	for _, tt := range []struct{ tenant, user string }{
		{"", "user_a"},
		{"team_1", ""},
		{"team:1", "user_a"},
		{"team_1", "user:a"},
		{"../team", "user_a"},
		{strings.Repeat("t", 129), "user_a"},
	} {
		_, err := h.Issue(tt.tenant, tt.user)
		assert.ErrorIs(t, err, ErrInvalidContext, "tenant=%q user=%q", tt.tenant, tt.user)
	}
}

func TestHandshakeConsume(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandshakes(t)

	token, err := h.Issue("team_1", "user_a")
	require.NoError(t, err)
	claims, err := h.Validate(token, 0)
	require.NoError(t, err)

	require.NoError(t, h.Consume(ctx, claims, 0))

	err = h.Consume(ctx, claims, 0)
	assert.ErrorIs(t, err, ErrHandshakeInvalid)
	assert.Equal(t, reasonReplayed, reasonOf(err))
}

type recordingNonceStore struct {
	ttl time.Duration
	err error
}

func (r *recordingNonceStore) Consume(_ context.Context, _ string, ttl time.Duration) (bool, error) {
	r.ttl = ttl
	return r.err == nil, r.err
}
func (r *recordingNonceStore) Sweep(context.Context) (int, error) { return 0, nil }
func (r *recordingNonceStore) Close() error                       { return nil }
func (r *recordingNonceStore) GetType() string                    { return "recording" }

func TestHandshakeConsumeTTL(t *testing.T) {
	clock := &FixedClock{Time: handshakeEpoch}
	nonces := &recordingNonceStore{}
	h := NewHandshakeService(newTestKeyRing(t, newMasterKey(t)), clock, nonces)

	claims := Claims{TenantID: "team_1", UserID: "user_a", IssuedAt: handshakeEpoch, Nonce: strings.Repeat("ab", 16)}

	clock.Time = handshakeEpoch.Add(100 * time.Second)
	require.NoError(t, h.Consume(context.Background(), claims, time.Minute))
	assert.Equal(t, 530*time.Second, nonces.ttl, "default window plus skew, minus elapsed")

	require.NoError(t, h.Consume(context.Background(), claims, time.Hour))
	assert.Equal(t, 3530*time.Second, nonces.ttl)

	nonces.err = errors.New("redis down")
	err := h.Consume(context.Background(), claims, 0)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotContains(t, public(err).Error(), "redis")
}

func TestHandshakeWithoutNonceStore(t *testing.T) {
	h := NewHandshakeService(newTestKeyRing(t, newMasterKey(t)), nil, nil)
	token, err := h.Issue("team_1", "user_a")
	require.NoError(t, err)
	claims, err := h.Validate(token, 0)
	require.NoError(t, err)

	assert.NoError(t, h.Consume(context.Background(), claims, 0))
	assert.NoError(t, h.Consume(context.Background(), claims, 0))
}
