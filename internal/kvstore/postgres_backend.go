package kvstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

type postgresDialect struct{}

func NewPostgresBackend(dsn string) (Backend, error) {
	return newSQLBackend(dsn, postgresDialect{})
}

func (postgresDialect) driverName() string {
	return "postgres"
}

func (postgresDialect) setupStatements(table string) []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(table)),
	}
}

func (postgresDialect) placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (postgresDialect) multiGet(ctx context.Context, db *sql.DB, table string, keys []string) (*sql.Rows, error) {
	query := fmt.Sprintf("SELECT key, value FROM %s WHERE key = ANY($1)", quoteIdentifier(table))
	return db.QueryContext(ctx, query, pq.Array(keys))
}

func (postgresDialect) multiRemove(ctx context.Context, tx *sql.Tx, table string, keys []string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE key = ANY($1)", quoteIdentifier(table))
	_, err := tx.ExecContext(ctx, query, pq.Array(keys))
	return err
}
