package tenantvault

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"southwinds.dev/tenantvault/audit"
	"southwinds.dev/tenantvault/internal/mem"
	"southwinds.dev/tenantvault/internal/metrics"
	"southwinds.dev/tenantvault/internal/misc"
	"southwinds.dev/tenantvault/persist"
)

// Initialize memguard in init function to ensure it's set up before any vault operation
func init() {
	memguard.CatchInterrupt()
}

// operation names used for metrics and logs
const (
	opBeginHandshake    = "begin_handshake"
	opCompleteHandshake = "complete_handshake"
	opStoreCredential   = "store_credential"
	opLoadCredential    = "load_credential"
	opRevokeCredential  = "revoke_credential"
	opListCredentials   = "list_credentials"
	opRotateCredentials = "rotate_credentials"
)

const pingTimeout = 5 * time.Second

var _ VaultService = (*Vault)(nil)

// Vault is the VaultService implementation. It owns the key ring and the
// handshake service and writes through a persist.Store and an audit.Logger.
type Vault struct {
	store      persist.Store
	audit      audit.Logger
	keys       *KeyRing
	cipher     *Cipher
	handshakes *HandshakeService
	nonces     persist.NonceStore
	registry   *Registry

	log     *zap.Logger
	metrics *metrics.Metrics
	clock   Clock
	maxAge  time.Duration

	memoryProtection mem.ProtectionLevel
	memoryLocked     bool
	ownsNonces       bool

	closed atomic.Bool
}

// New creates a Vault on top of store and auditLogger.
//
// The function performs the following initialization steps:
//  1. Validates options
//  2. Tests storage backend connectivity
//  3. Seals the master keys in memguard enclaves
//  4. Sets up memory locking when requested (best-effort)
//
// auditLogger is mandatory. Pass audit.NewNoOpLogger() to run without
// auditing. Every error returned by New wraps ErrConfiguration.
//
// Example:
//
//	store := persist.NewMemoryStore()
//	logger, _ := audit.NewFileLogger(&audit.Config{
//	    Enabled: true,
//	    Type:    audit.FileAuditType,
//	    Options: map[string]interface{}{"file_path": "/var/log/tenantvault/audit.log"},
//	})
//
//	v, err := tenantvault.New(store, logger, tenantvault.Options{MasterKey: key})
//	if err != nil {
//	    return fmt.Errorf("failed to create vault: %w", err)
//	}
//	defer v.Close()
func New(store persist.Store, auditLogger audit.Logger, options Options) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, configError("store is required")
	}
	if auditLogger == nil {
		return nil, configError("audit logger is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return nil, configError("failed to connect to storage backend: %v", err)
	}

	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := options.Clock
	if clock == nil {
		clock = &SystemClock{}
	}
	registry := options.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}

	keys, err := NewKeyRing(options.keyVersion(), options.MasterKey, options.RetiredKeys)
	if err != nil {
		return nil, err
	}
	if options.KeyCacheSize > 0 {
		cache, err := newKeyCache(options.KeyCacheSize)
		if err != nil {
			keys.Destroy()
			return nil, configError("%v", err)
		}
		keys.withCache(cache, options.Metrics)
	}

	nonces := options.NonceStore
	ownsNonces := false
	if nonces == nil {
		nonces = persist.NewMemoryNonceStore(clock.Now)
		ownsNonces = true
	}

	if options.BestEffortAudit {
		auditLogger = audit.BestEffort(auditLogger, log)
	}

	v := &Vault{
		store:      store,
		audit:      auditLogger,
		keys:       keys,
		cipher:     NewCipher(keys),
		handshakes: NewHandshakeService(keys, clock, nonces),
		nonces:     nonces,
		registry:   registry,
		log:        log,
		metrics:    options.Metrics,
		clock:      clock,
		maxAge:     options.handshakeMaxAge(),
		ownsNonces: ownsNonces,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			// memguard enclaves still protect the keys
			log.Warn("cannot fully protect memory", zap.Error(err))
		} else {
			v.memoryLocked = true
		}
		v.memoryProtection = level
	}

	log.Info("vault initialized",
		zap.String("store_type", store.GetType()),
		zap.String("nonce_store_type", nonces.GetType()),
		zap.Int("key_version", keys.CurrentVersion()),
		zap.Ints("loaded_key_versions", keys.Versions()),
		zap.Stringer("memory_protection", v.memoryProtection),
	)
	return v, nil
}

// call tracks one façade operation and the single audit event it produces.
type call struct {
	v       *Vault
	ctx     context.Context
	op      string
	started time.Time
	event   audit.Event
}

func (v *Vault) begin(ctx context.Context, op string, action audit.Action, tenantID, actorUserID string) *call {
	event := audit.NewEvent(action, tenantID, actorUserID)
	event.RequestID = newRequestID()
	event.Timestamp = v.clock.Now().UTC()
	return &call{v: v, ctx: ctx, op: op, started: time.Now(), event: event}
}

// finish records the audit event and reduces err to its public sentinel.
// A sink failure turns a successful operation into ErrStoreUnavailable.
// Decryption failures are security events and carry severity "high".
func (c *call) finish(err error) error {
	securityEvent := errors.Is(err, ErrAuthentication)
	if err != nil {
		reason := reasonOf(err)
		if reason == "" {
			reason = reasonStoreFailure
		}
		c.event.Outcome = audit.OutcomeFailure
		c.event.Details["reason"] = reason
		c.event.Details["error"] = public(err).Error()
		if securityEvent {
			c.event.Details["severity"] = severityHigh
		}
	}

	if auditErr := c.v.audit.Record(c.ctx, c.event); auditErr != nil {
		c.v.log.Error("audit sink failed",
			zap.String("request_id", c.event.RequestID),
			zap.String("action", string(c.event.Action)),
			zap.Error(auditErr),
		)
		if err == nil {
			err = reject(ErrStoreUnavailable, reasonAuditFailure)
		}
	}

	c.v.metrics.ObserveOperation(c.op, c.started, err)

	fields := []zap.Field{
		zap.String("operation", c.op),
		zap.String("request_id", c.event.RequestID),
		zap.String("tenant_id", c.event.TenantID),
		zap.Duration("duration", time.Since(c.started)),
	}
	if c.event.IntegrationID != nil {
		fields = append(fields, zap.String("integration_id", *c.event.IntegrationID))
	}
	switch {
	case securityEvent:
		c.v.log.Error("credential failed authentication", append(fields,
			zap.String("severity", severityHigh), zap.String("reason", reasonOf(err)), zap.Error(err))...)
		return public(err)
	case err != nil:
		c.v.log.Warn("operation failed", append(fields, zap.String("reason", reasonOf(err)), zap.Error(err))...)
		return public(err)
	}
	c.v.log.Debug("operation completed", fields...)
	return nil
}

func (c *call) detail(key string, value interface{}) {
	c.event.Details[key] = value
}

// storeFailure maps a persist error onto the vault sentinels, keeping the
// backend error for logs only.
func storeFailure(err error) error {
	if errors.Is(err, persist.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", reject(ErrStoreUnavailable, reasonStoreFailure), err)
}

// checkCredential validates an integration ID and its plaintext payload.
func (v *Vault) checkCredential(integrationID string, payload []byte) error {
	if err := validateIdentifier("integration", integrationID); err != nil {
		return err
	}
	integration, err := v.registry.Lookup(integrationID)
	if err != nil {
		return err
	}
	if len(payload) == 0 || len(payload) > misc.MaxPayloadSize {
		return reject(ErrInvalidContext, reasonInvalidPayload)
	}
	return integration.Validate(payload)
}

func validatePair(tenantID, integrationID, actorUserID string) error {
	if err := validateIdentifier("tenant", tenantID); err != nil {
		return err
	}
	if err := validateIdentifier("integration", integrationID); err != nil {
		return err
	}
	return validateIdentifier("user", actorUserID)
}

// seal encrypts payload and writes it as the credential of the pair.
func (v *Vault) seal(ctx context.Context, tenantID, integrationID string, payload []byte) (int, error) {
	blob, version, err := v.cipher.Encrypt(tenantID, integrationID, payload)
	if err != nil {
		return 0, err
	}

	now := v.clock.Now().UTC()
	err = v.store.Put(ctx, persist.Record{
		TenantID:      tenantID,
		IntegrationID: integrationID,
		Blob:          blob,
		KeyVersion:    version,
		CreatedAt:     now,
		RotatedAt:     now,
	})
	if err != nil {
		return 0, storeFailure(err)
	}
	return version, nil
}

// reseal re-encrypts plaintext under the current key, but only while the
// stored record is still prev. It returns false when a newer write won.
func (v *Vault) reseal(ctx context.Context, prev *persist.Record, plaintext []byte) (int, bool, error) {
	blob, version, err := v.cipher.Encrypt(prev.TenantID, prev.IntegrationID, plaintext)
	if err != nil {
		return 0, false, err
	}

	replaced, err := v.store.Replace(ctx, *prev, persist.Record{
		TenantID:      prev.TenantID,
		IntegrationID: prev.IntegrationID,
		Blob:          blob,
		KeyVersion:    version,
		CreatedAt:     prev.CreatedAt,
		RotatedAt:     v.clock.Now().UTC(),
	})
	if err != nil {
		return 0, false, storeFailure(err)
	}
	return version, replaced, nil
}

func (v *Vault) BeginHandshake(ctx context.Context, tenantID, userID string) (string, error) {
	if v.closed.Load() {
		return "", ErrStoreUnavailable
	}
	c := v.begin(ctx, opBeginHandshake, audit.ActionHandshakeIssued, tenantID, userID)

	token, err := v.handshakes.Issue(tenantID, userID)
	if err == nil {
		c.detail("key_version", v.keys.CurrentVersion())
	}
	if err = c.finish(err); err != nil {
		return "", err
	}
	return token, nil
}

func (v *Vault) CompleteHandshake(ctx context.Context, token string, maxAge time.Duration, integrationID string, payload []byte) error {
	if v.closed.Load() {
		return ErrStoreUnavailable
	}
	if maxAge <= 0 {
		maxAge = v.maxAge
	}

	claims, err := v.handshakes.Validate(token, maxAge)
	if err != nil {
		// claims are only populated once the signature checked out
		c := v.begin(ctx, opCompleteHandshake, audit.ActionHandshakeRejected, claims.TenantID, claims.UserID)
		if validateIdentifier("integration", integrationID) == nil {
			c.event = c.event.WithIntegration(integrationID)
		}
		v.metrics.HandshakeRejected(reasonOf(err))
		return c.finish(err)
	}

	c := v.begin(ctx, opCompleteHandshake, audit.ActionHandshakeCompleted, claims.TenantID, claims.UserID)
	c.detail("issued_at", claims.IssuedAt.Format(time.RFC3339Nano))
	if validateIdentifier("integration", integrationID) == nil {
		c.event = c.event.WithIntegration(integrationID)
	}

	if err = v.checkCredential(integrationID, payload); err != nil {
		c.event.Action = audit.ActionCredentialStored
		return c.finish(err)
	}

	if err = v.handshakes.Consume(ctx, claims, maxAge); err != nil {
		if errors.Is(err, ErrHandshakeInvalid) {
			c.event.Action = audit.ActionHandshakeRejected
			v.metrics.HandshakeRejected(reasonOf(err))
		} else {
			c.event.Action = audit.ActionCredentialStored
		}
		return c.finish(err)
	}

	version, err := v.seal(ctx, claims.TenantID, integrationID, payload)
	if err != nil {
		c.event.Action = audit.ActionCredentialStored
		return c.finish(err)
	}
	c.detail("key_version", version)
	return c.finish(nil)
}

func (v *Vault) StoreCredential(ctx context.Context, tenantID, integrationID, actorUserID string, payload []byte) error {
	if v.closed.Load() {
		return ErrStoreUnavailable
	}
	c := v.begin(ctx, opStoreCredential, audit.ActionCredentialStored, tenantID, actorUserID)
	c.event = c.event.WithIntegration(integrationID)

	if err := validatePair(tenantID, integrationID, actorUserID); err != nil {
		return c.finish(err)
	}
	if err := v.checkCredential(integrationID, payload); err != nil {
		return c.finish(err)
	}

	version, err := v.seal(ctx, tenantID, integrationID, payload)
	if err != nil {
		return c.finish(err)
	}
	c.detail("key_version", version)
	return c.finish(nil)
}

func (v *Vault) LoadCredential(ctx context.Context, tenantID, integrationID, actorUserID string) ([]byte, error) {
	if v.closed.Load() {
		return nil, ErrStoreUnavailable
	}
	c := v.begin(ctx, opLoadCredential, audit.ActionCredentialAccessed, tenantID, actorUserID)
	c.event = c.event.WithIntegration(integrationID)

	if err := validatePair(tenantID, integrationID, actorUserID); err != nil {
		return nil, c.finish(err)
	}

	record, err := v.store.Get(ctx, tenantID, integrationID)
	if err != nil {
		return nil, c.finish(storeFailure(err))
	}
	c.detail("key_version", record.KeyVersion)

	plaintext, err := v.cipher.Decrypt(tenantID, integrationID, record.KeyVersion, record.Blob)
	if err != nil {
		return nil, c.finish(err)
	}

	if current := v.keys.CurrentVersion(); record.KeyVersion != current {
		version, replaced, err := v.reseal(ctx, record, plaintext)
		switch {
		case err != nil:
			v.log.Warn("lazy re-encryption failed",
				zap.String("request_id", c.event.RequestID),
				zap.String("tenant_id", tenantID),
				zap.String("integration_id", integrationID),
				zap.Error(err),
			)
			c.detail("reencrypted", false)
		case !replaced:
			// a concurrent write already stored a newer credential
			c.detail("reencrypted", false)
			c.detail("superseded", true)
		default:
			c.detail("reencrypted", true)
			c.detail("key_version", version)
		}
	}

	if err = c.finish(nil); err != nil {
		wipe(plaintext)
		return nil, err
	}
	return plaintext, nil
}

func (v *Vault) RevokeCredential(ctx context.Context, tenantID, integrationID, actorUserID string) error {
	if v.closed.Load() {
		return ErrStoreUnavailable
	}
	c := v.begin(ctx, opRevokeCredential, audit.ActionCredentialDeleted, tenantID, actorUserID)
	c.event = c.event.WithIntegration(integrationID)

	if err := validatePair(tenantID, integrationID, actorUserID); err != nil {
		return c.finish(err)
	}

	err := v.store.Delete(ctx, tenantID, integrationID)
	switch {
	case err == nil:
		c.detail("existed", true)
	case errors.Is(err, persist.ErrNotFound):
		c.detail("existed", false)
	default:
		return c.finish(storeFailure(err))
	}
	return c.finish(nil)
}

func (v *Vault) ListCredentials(ctx context.Context, tenantID, actorUserID string) ([]CredentialInfo, error) {
	if v.closed.Load() {
		return nil, ErrStoreUnavailable
	}
	c := v.begin(ctx, opListCredentials, audit.ActionCredentialListed, tenantID, actorUserID)

	if err := validateIdentifier("tenant", tenantID); err != nil {
		return nil, c.finish(err)
	}
	if err := validateIdentifier("user", actorUserID); err != nil {
		return nil, c.finish(err)
	}

	records, err := v.store.List(ctx, tenantID)
	if err != nil {
		return nil, c.finish(storeFailure(err))
	}

	infos := make([]CredentialInfo, 0, len(records))
	for _, r := range records {
		infos = append(infos, CredentialInfo{
			TenantID:      r.TenantID,
			IntegrationID: r.IntegrationID,
			KeyVersion:    r.KeyVersion,
			CreatedAt:     r.CreatedAt,
			RotatedAt:     r.RotatedAt,
		})
	}
	c.detail("count", len(infos))

	if err = c.finish(nil); err != nil {
		return nil, err
	}
	return infos, nil
}

func (v *Vault) RotateCredentials(ctx context.Context, tenantID, actorUserID string) (int, error) {
	if v.closed.Load() {
		return 0, ErrStoreUnavailable
	}
	c := v.begin(ctx, opRotateCredentials, audit.ActionCredentialRotated, tenantID, actorUserID)

	if err := validateIdentifier("tenant", tenantID); err != nil {
		return 0, c.finish(err)
	}
	if err := validateIdentifier("user", actorUserID); err != nil {
		return 0, c.finish(err)
	}

	records, err := v.store.List(ctx, tenantID)
	if err != nil {
		return 0, c.finish(storeFailure(err))
	}

	current := v.keys.CurrentVersion()
	rotated := 0
	var skipped, superseded []string
	for i := range records {
		r := &records[i]
		if r.KeyVersion == current {
			continue
		}
		plaintext, err := v.cipher.Decrypt(r.TenantID, r.IntegrationID, r.KeyVersion, r.Blob)
		if err != nil {
			// unreadable records are left for the owner to reconnect
			skipped = append(skipped, r.IntegrationID)
			continue
		}
		_, replaced, err := v.reseal(ctx, r, plaintext)
		wipe(plaintext)
		if err != nil {
			c.detail("rotated", rotated)
			return rotated, c.finish(err)
		}
		if !replaced {
			superseded = append(superseded, r.IntegrationID)
			continue
		}
		rotated++
	}

	c.detail("key_version", current)
	c.detail("rotated", rotated)
	if len(skipped) > 0 {
		c.detail("skipped", skipped)
	}
	if len(superseded) > 0 {
		c.detail("superseded", superseded)
	}
	if err = c.finish(nil); err != nil {
		return rotated, err
	}
	return rotated, nil
}

// MemoryProtection reports the memory protection level reached by New.
func (v *Vault) MemoryProtection() mem.ProtectionLevel {
	return v.memoryProtection
}

// Close releases every resource of the vault. Further calls fail with
// ErrStoreUnavailable.
func (v *Vault) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if v.ownsNonces {
		if err := v.nonces.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close nonce store: %w", err))
		}
	}
	if err := v.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if err := v.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	v.keys.Destroy()
	if v.memoryLocked {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unlock memory: %w", err))
		}
	}

	return errors.Join(errs...)
}
