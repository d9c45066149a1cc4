package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteDialect struct{}

// NewSQLiteBackend opens (creating if needed) a SQLite database file in WAL
// mode. ":memory:" is accepted for tests.
func NewSQLiteBackend(path string) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if path != ":memory:" {
		path = expandHome(path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	backend, err := newSQLBackend(dsn, sqliteDialect{})
	if err != nil {
		return nil, err
	}
	if err := backend.ensureReady(); err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Each new connection to :memory: is a fresh database.
		backend.db.SetMaxOpenConns(1)
	}
	return backend, nil
}

func (sqliteDialect) driverName() string {
	return "sqlite3"
}

func (sqliteDialect) setupStatements(table string) []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`, quoteIdentifier(table)),
	}
}

func (sqliteDialect) placeholder(int) string {
	return "?"
}

func (sqliteDialect) multiGet(ctx context.Context, db *sql.DB, table string, keys []string) (*sql.Rows, error) {
	query := fmt.Sprintf("SELECT key, value FROM %s WHERE key IN (%s)", quoteIdentifier(table), sqlitePlaceholders(len(keys)))
	return db.QueryContext(ctx, query, stringArgs(keys)...)
}

func (sqliteDialect) multiRemove(ctx context.Context, tx *sql.Tx, table string, keys []string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE key IN (%s)", quoteIdentifier(table), sqlitePlaceholders(len(keys)))
	_, err := tx.ExecContext(ctx, query, stringArgs(keys)...)
	return err
}

func sqlitePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
