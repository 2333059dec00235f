// Package sqlstore persists client statistics and the block log in a SQL
// database. Postgres, MySQL and SQLite are supported.
//
// MySQL DSNs must carry parseTime=true so timestamps scan into time.Time.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Supported dialects.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// ErrUnsupportedDialect is returned for unknown dialect names.
var ErrUnsupportedDialect = errors.New("sqlstore: unsupported dialect")

const schemaTimeout = 30 * time.Second

// DriverName maps a dialect to the database/sql driver registered for it.
func DriverName(dialect string) (string, error) {
	switch dialect {
	case DialectPostgres:
		return "postgres", nil
	case DialectMySQL:
		return "mysql", nil
	case DialectSQLite:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("%w: %q (supported: postgres, mysql, sqlite)", ErrUnsupportedDialect, dialect)
	}
}

// DB wraps a connection pool with its dialect.
type DB struct {
	db      *sql.DB
	dialect string
}

// New validates dialect and creates the schema.
func New(db *sql.DB, dialect string) (*DB, error) {
	if db == nil {
		return nil, errors.New("sqlstore: database connection is required")
	}
	if _, err := DriverName(dialect); err != nil {
		return nil, err
	}

	d := &DB{db: db, dialect: dialect}
	if err := d.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Open opens dsn with the driver for dialect and creates the schema.
func Open(dialect, dsn string) (*DB, error) {
	driver, err := DriverName(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one connection, so :memory: databases stay shared
		db.SetMaxOpenConns(1)
	}
	return New(db, dialect)
}

// Dialect returns the SQL dialect.
func (d *DB) Dialect() string {
	return d.dialect
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	for _, stmt := range schema(d.dialect) {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func schema(dialect string) []string {
	if dialect == DialectMySQL {
		return []string{
			`CREATE TABLE IF NOT EXISTS ip_statistics (
    client VARCHAR(255) NOT NULL PRIMARY KEY,
    total_requests BIGINT NOT NULL DEFAULT 0,
    successful_requests BIGINT NOT NULL DEFAULT 0,
    failed_requests BIGINT NOT NULL DEFAULT 0,
    blocked_count BIGINT NOT NULL DEFAULT 0,
    risk_score INT NOT NULL DEFAULT 0,
    suspicious BOOLEAN NOT NULL DEFAULT FALSE,
    user_agent TEXT,
    first_seen_at TIMESTAMP(6) NOT NULL,
    last_request_at TIMESTAMP(6) NOT NULL,
    blocked_until TIMESTAMP(6) NULL,
    permanently_blocked BOOLEAN NOT NULL DEFAULT FALSE,
    block_reason VARCHAR(255),
    blocked_by VARCHAR(255),
    block_notes TEXT,
    INDEX idx_ip_statistics_last_request (last_request_at)
)`,
			`CREATE TABLE IF NOT EXISTS block_log (
    id VARCHAR(36) NOT NULL PRIMARY KEY,
    client VARCHAR(255) NOT NULL,
    path TEXT,
    user_agent TEXT,
    category VARCHAR(64) NOT NULL,
    reason VARCHAR(64) NOT NULL,
    blocked_at TIMESTAMP(6) NOT NULL,
    INDEX idx_block_log_client (client),
    INDEX idx_block_log_blocked_at (blocked_at)
)`,
		}
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS ip_statistics (
    client VARCHAR(255) NOT NULL PRIMARY KEY,
    total_requests BIGINT NOT NULL DEFAULT 0,
    successful_requests BIGINT NOT NULL DEFAULT 0,
    failed_requests BIGINT NOT NULL DEFAULT 0,
    blocked_count BIGINT NOT NULL DEFAULT 0,
    risk_score INTEGER NOT NULL DEFAULT 0,
    suspicious BOOLEAN NOT NULL DEFAULT FALSE,
    user_agent TEXT,
    first_seen_at TIMESTAMP NOT NULL,
    last_request_at TIMESTAMP NOT NULL,
    blocked_until TIMESTAMP NULL,
    permanently_blocked BOOLEAN NOT NULL DEFAULT FALSE,
    block_reason VARCHAR(255),
    blocked_by VARCHAR(255),
    block_notes TEXT
)`,
		`CREATE INDEX IF NOT EXISTS idx_ip_statistics_last_request ON ip_statistics(last_request_at)`,
		`CREATE TABLE IF NOT EXISTS block_log (
    id VARCHAR(36) NOT NULL PRIMARY KEY,
    client VARCHAR(255) NOT NULL,
    path TEXT,
    user_agent TEXT,
    category VARCHAR(64) NOT NULL,
    reason VARCHAR(64) NOT NULL,
    blocked_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_block_log_client ON block_log(client)`,
		`CREATE INDEX IF NOT EXISTS idx_block_log_blocked_at ON block_log(blocked_at)`,
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *DB) rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
