// Package sqldb opens bun databases for the SQL backed stores and audit sink.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
	_ "modernc.org/sqlite"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"

	pingTimeout = 5 * time.Second
)

// Open connects to dsn with the given driver ("sqlite", "postgres" or "mysql")
// and wraps the connection in a bun.DB using the matching dialect.
func Open(driver, dsn string) (*bun.DB, error) {
	var driverName string
	switch driver {
	case DriverSQLite:
		driverName = "sqlite"
	case DriverPostgres:
		// the pgx stdlib registers itself as "pgx"
		driverName = "pgx"
	case DriverMySQL:
		driverName = "mysql"
	default:
		return nil, fmt.Errorf("unsupported sql driver: %q", driver)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(16)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err = sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	return bun.NewDB(sqlDB, dialectFor(driver)), nil
}

func dialectFor(driver string) schema.Dialect {
	switch driver {
	case DriverPostgres:
		return pgdialect.New()
	case DriverMySQL:
		return mysqldialect.New()
	default:
		return sqlitedialect.New()
	}
}

// IsMySQL reports whether db speaks the MySQL dialect, which has no ON CONFLICT clause.
func IsMySQL(db *bun.DB) bool {
	return db.Dialect().Name() == dialect.MySQL
}
