package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"southwinds.dev/tenantvault/internal/sqldb"
)

type nonceModel struct {
	bun.BaseModel `bun:"table:handshake_nonces,alias:hn"`

	Nonce     string    `bun:"nonce,pk,type:varchar(64)"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
}

// SQLNonceStore keeps consumed nonces in the handshake_nonces table. The primary
// key makes concurrent consumers race on the insert, and exactly one wins.
type SQLNonceStore struct {
	db    *bun.DB
	mysql bool
	owned bool
	now   func() time.Time
}

func NewSQLNonceStoreFromDSN(driver, dsn string, now func() time.Time) (*SQLNonceStore, error) {
	db, err := sqldb.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	store, err := NewSQLNonceStore(db, now)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewSQLNonceStore uses an already opened database, which the caller keeps ownership of.
func NewSQLNonceStore(db *bun.DB, now func() time.Time) (*SQLNonceStore, error) {
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := db.NewCreateTable().
		Model((*nonceModel)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce table: %w", err)
	}

	return &SQLNonceStore{db: db, mysql: sqldb.IsMySQL(db), now: now}, nil
}

func (s *SQLNonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, fmt.Errorf("nonce cannot be empty")
	}

	now := s.now().UTC()

	// an expired row for the same nonce must not block a new consumption
	_, err := s.db.NewDelete().
		Model((*nonceModel)(nil)).
		Where("nonce = ?", nonce).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return false, unavailable("clear expired nonce", err)
	}

	q := s.db.NewInsert().Model(&nonceModel{Nonce: nonce, ExpiresAt: now.Add(ttl)})
	if s.mysql {
		q = q.Ignore()
	} else {
		q = q.On("CONFLICT (nonce) DO NOTHING")
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return false, unavailable("consume nonce", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("consume nonce", err)
	}
	return n == 1, nil
}

func (s *SQLNonceStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.NewDelete().
		Model((*nonceModel)(nil)).
		Where("expires_at <= ?", s.now().UTC()).
		Exec(ctx)
	if err != nil {
		return 0, unavailable("sweep nonces", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *SQLNonceStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *SQLNonceStore) GetType() string {
	return string(StoreTypeSQL)
}
