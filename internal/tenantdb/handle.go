// Package tenantdb hands out database handles per tenant owner: the shared
// main database, or a cached dedicated handle built from the owner's stored
// private-cloud connection string.
package tenantdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/oriys/tenantgate/internal/domain"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
)

// Handle is a live database handle bound to a tenant owner.
type Handle struct {
	Owner string
	Type  domain.DatabaseType
	DB    *sqlx.DB

	main bool
}

// IsMain reports whether h is the shared main database.
func (h *Handle) IsMain() bool {
	return h != nil && h.main
}

// Opener opens and verifies a connection to a private database.
type Opener func(ctx context.Context, dbType domain.DatabaseType, dsn string) (*sqlx.DB, error)

// DriverName maps a database type to its registered database/sql driver.
func DriverName(dbType domain.DatabaseType) (string, error) {
	switch dbType {
	case domain.DatabasePostgreSQL:
		return "pgx", nil
	case domain.DatabaseMySQL:
		return "mysql", nil
	case domain.DatabaseSQLServer:
		return "sqlserver", nil
	}
	return "", fmt.Errorf("unsupported database type: %q", dbType)
}

// Open is the default Opener. It pings the database before returning so a
// bad connection string fails here rather than on first query.
func Open(ctx context.Context, dbType domain.DatabaseType, dsn string) (*sqlx.DB, error) {
	driver, err := DriverName(dbType)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbType, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dbType, err)
	}
	return db, nil
}

// OpenMain opens the shared main database handle.
func OpenMain(ctx context.Context, dsn string) (*Handle, error) {
	db, err := Open(ctx, domain.DatabasePostgreSQL, dsn)
	if err != nil {
		return nil, err
	}
	return NewMainHandle(db, domain.DatabasePostgreSQL), nil
}

// NewMainHandle wraps an already opened main database.
func NewMainHandle(db *sqlx.DB, dbType domain.DatabaseType) *Handle {
	return &Handle{Type: dbType, DB: db, main: true}
}

func fingerprint(cfg *domain.TenantDatabaseConfig) string {
	sum := sha256.Sum256([]byte(string(cfg.DatabaseType) + "\x00" + cfg.ConnectionString))
	return hex.EncodeToString(sum[:8])
}
