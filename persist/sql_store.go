package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"southwinds.dev/tenantvault/internal/sqldb"
)

// credentialModel maps a Record onto the tenant_credentials table.
type credentialModel struct {
	bun.BaseModel `bun:"table:tenant_credentials,alias:tc"`

	TenantID      string    `bun:"tenant_id,pk,type:varchar(128)"`
	IntegrationID string    `bun:"integration_id,pk,type:varchar(128)"`
	Blob          []byte    `bun:"ciphertext_blob,notnull"`
	KeyVersion    int       `bun:"key_version,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	RotatedAt     time.Time `bun:"rotated_at,notnull"`
}

// SQLStore persists records through bun on sqlite, postgres or mysql.
type SQLStore struct {
	db    *bun.DB
	mysql bool
	owned bool
}

// NewSQLStoreFromDSN opens the database and prepares the credentials table.
// The returned store closes the connection on Close.
func NewSQLStoreFromDSN(driver, dsn string) (*SQLStore, error) {
	db, err := sqldb.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	store, err := NewSQLStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewSQLStore uses an already opened database, which the caller keeps ownership of.
func NewSQLStore(db *bun.DB) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := db.NewCreateTable().
		Model((*credentialModel)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}

	return &SQLStore{db: db, mysql: sqldb.IsMySQL(db)}, nil
}

func (s *SQLStore) Put(ctx context.Context, record Record) error {
	if err := validateKey(record.TenantID, record.IntegrationID); err != nil {
		return err
	}
	if len(record.Blob) == 0 {
		return fmt.Errorf("record blob cannot be empty")
	}

	model := &credentialModel{
		TenantID:      record.TenantID,
		IntegrationID: record.IntegrationID,
		Blob:          record.Blob,
		KeyVersion:    record.KeyVersion,
		CreatedAt:     record.CreatedAt.UTC(),
		RotatedAt:     record.RotatedAt.UTC(),
	}

	// created_at is left out of the update set so the first insert time survives
	q := s.db.NewInsert().Model(model)
	if s.mysql {
		q = q.On("DUPLICATE KEY UPDATE").
			Set("ciphertext_blob = VALUES(ciphertext_blob)").
			Set("key_version = VALUES(key_version)").
			Set("rotated_at = VALUES(rotated_at)")
	} else {
		q = q.On("CONFLICT (tenant_id, integration_id) DO UPDATE").
			Set("ciphertext_blob = EXCLUDED.ciphertext_blob").
			Set("key_version = EXCLUDED.key_version").
			Set("rotated_at = EXCLUDED.rotated_at")
	}

	if _, err := q.Exec(ctx); err != nil {
		return unavailable("upsert credential", err)
	}
	return nil
}

func (s *SQLStore) Replace(ctx context.Context, prev, next Record) (bool, error) {
	if err := validateKey(next.TenantID, next.IntegrationID); err != nil {
		return false, err
	}
	if len(next.Blob) == 0 {
		return false, fmt.Errorf("record blob cannot be empty")
	}

	res, err := s.db.NewUpdate().
		Model((*credentialModel)(nil)).
		Set("ciphertext_blob = ?", next.Blob).
		Set("key_version = ?", next.KeyVersion).
		Set("rotated_at = ?", next.RotatedAt.UTC()).
		Where("tenant_id = ?", next.TenantID).
		Where("integration_id = ?", next.IntegrationID).
		Where("key_version = ?", prev.KeyVersion).
		Where("ciphertext_blob = ?", prev.Blob).
		Exec(ctx)
	if err != nil {
		return false, unavailable("replace credential", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("replace credential", err)
	}
	return n == 1, nil
}

func (s *SQLStore) Get(ctx context.Context, tenantID, integrationID string) (*Record, error) {
	if err := validateKey(tenantID, integrationID); err != nil {
		return nil, err
	}

	var model credentialModel
	err := s.db.NewSelect().
		Model(&model).
		Where("tenant_id = ?", tenantID).
		Where("integration_id = ?", integrationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("select credential", err)
	}

	record := model.toRecord()
	return &record, nil
}

func (s *SQLStore) Delete(ctx context.Context, tenantID, integrationID string) error {
	if err := validateKey(tenantID, integrationID); err != nil {
		return err
	}

	res, err := s.db.NewDelete().
		Model((*credentialModel)(nil)).
		Where("tenant_id = ?", tenantID).
		Where("integration_id = ?", integrationID).
		Exec(ctx)
	if err != nil {
		return unavailable("delete credential", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, tenantID string) ([]Record, error) {
	if err := validateID("tenant", tenantID); err != nil {
		return nil, err
	}

	var models []credentialModel
	err := s.db.NewSelect().
		Model(&models).
		Where("tenant_id = ?", tenantID).
		Order("integration_id ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("list credentials", err)
	}

	records := make([]Record, 0, len(models))
	for _, m := range models {
		records = append(records, m.toRecord())
	}
	return records, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) GetType() string {
	return string(StoreTypeSQL)
}

func (m credentialModel) toRecord() Record {
	return Record{
		TenantID:      m.TenantID,
		IntegrationID: m.IntegrationID,
		Blob:          m.Blob,
		KeyVersion:    m.KeyVersion,
		CreatedAt:     m.CreatedAt.UTC(),
		RotatedAt:     m.RotatedAt.UTC(),
	}
}
