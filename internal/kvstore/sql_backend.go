package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	sqlKVTableName        = "notesync_kv"
	sqlOperationTimeout   = 5 * time.Second
	sqlMultiKeyBatchLimit = 200
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect isolates the few statements that differ between drivers.
type sqlDialect interface {
	driverName() string
	setupStatements(table string) []string
	placeholder(n int) string
	multiGet(ctx context.Context, db *sql.DB, table string, keys []string) (*sql.Rows, error)
	multiRemove(ctx context.Context, tx *sql.Tx, table string, keys []string) error
}

// sqlBackend stores each key as one row. The connection and schema are set up
// lazily on first use.
type sqlBackend struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLBackend(dsn string, dialect sqlDialect) (*sqlBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlBackend{
		dsn:       dsn,
		tableName: sqlKVTableName,
		dialect:   dialect,
		openDB:    sql.Open,
	}, nil
}

func (b *sqlBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driverName(), b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range b.dialect.setupStatements(b.tableName) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *sqlBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if err := b.ensureReady(); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = %s", quoteIdentifier(b.tableName), b.dialect.placeholder(1))
	var value string
	err := b.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *sqlBackend) Set(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES (%s, %s)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		quoteIdentifier(b.tableName), b.dialect.placeholder(1), b.dialect.placeholder(2))
	_, err := b.db.ExecContext(ctx, query, key, value)
	return err
}

func (b *sqlBackend) Remove(ctx context.Context, key string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE key = %s", quoteIdentifier(b.tableName), b.dialect.placeholder(1))
	_, err := b.db.ExecContext(ctx, query, key)
	return err
}

func (b *sqlBackend) Keys(ctx context.Context) ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT key FROM %s ORDER BY key", quoteIdentifier(b.tableName)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *sqlBackend) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	for _, batch := range batchKeys(keys, sqlMultiKeyBatchLimit) {
		if err := b.multiGetBatch(ctx, batch, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *sqlBackend) multiGetBatch(ctx context.Context, keys []string, out map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	rows, err := b.dialect.multiGet(ctx, b.db, b.tableName, keys)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		out[key] = value
	}
	return rows.Err()
}

func (b *sqlBackend) MultiRemove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, batch := range batchKeys(keys, sqlMultiKeyBatchLimit) {
		if err := b.dialect.multiRemove(ctx, tx, b.tableName, batch); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *sqlBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func batchKeys(keys []string, size int) [][]string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	var batches [][]string
	for len(sorted) > 0 {
		n := size
		if len(sorted) < n {
			n = len(sorted)
		}
		batches = append(batches, sorted[:n])
		sorted = sorted[n:]
	}
	return batches
}
