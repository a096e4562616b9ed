package bunx

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite" // SQLite driver
)

// DatabaseType represents the type of database
type DatabaseType string

const (
	DatabaseTypePostgreSQL DatabaseType = "postgres"
	DatabaseTypeSQLite     DatabaseType = "sqlite"
)

// Options tune the connection pool.
type Options struct {
	MaxOpenConns int
}

// DetectDatabaseType determines the database type from a DSN string
func DetectDatabaseType(dsn string) DatabaseType {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DatabaseTypePostgreSQL
	}
	// SQLite patterns: file:, :memory:, or plain file path
	return DatabaseTypeSQLite
}

// isInMemory reports whether a SQLite DSN names an in-memory database.
func isInMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// NewDB creates a new Bun database instance for PostgreSQL or SQLite based on DSN
func NewDB(dsn string, opts ...Options) (*bun.DB, error) {
	o := Options{MaxOpenConns: 25}
	if len(opts) > 0 && opts[0].MaxOpenConns > 0 {
		o = opts[0]
	}

	switch DetectDatabaseType(dsn) {
	case DatabaseTypePostgreSQL:
		return newPostgreSQLDB(dsn, o)
	case DatabaseTypeSQLite:
		return newSQLiteDB(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type for DSN: %s", dsn)
	}
}

func newPostgreSQLDB(dsn string, o Options) (*bun.DB, error) {
	connector := pgdriver.NewConnector(pgdriver.WithDSN(dsn))
	sqldb := sql.OpenDB(connector)

	sqldb.SetMaxOpenConns(o.MaxOpenConns)
	sqldb.SetMaxIdleConns(o.MaxOpenConns)

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(context.Background()); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// newSQLiteDB creates a SQLite connection using modernc.org/sqlite driver
func newSQLiteDB(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Single writer connection. For in-memory databases this also keeps every
	// query on the same database.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if !isInMemory(dsn) {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func Close(db *bun.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
