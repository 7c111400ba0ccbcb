package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// dialect captures the few statements that differ between Postgres and SQLite.
type dialect struct {
	name   string
	schema string
	ph     func(n int) string
}

var postgresDialect = dialect{
	name: "postgres",
	schema: `
	CREATE TABLE IF NOT EXISTS kv_entries (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	ph: func(n int) string { return fmt.Sprintf("$%d", n) },
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: `
	CREATE TABLE IF NOT EXISTS kv_entries (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	ph: func(int) string { return "?" },
}

// DB is a Store backed by a single kv_entries table.
type DB struct {
	Client  *sql.DB
	dialect dialect
}

// NewPostgres creates a Postgres connection with sane defaults and ensures the schema.
func NewPostgres(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return initDB(ctx, db, postgresDialect)
}

// NewSQLite opens (creating if needed) a SQLite database file.
func NewSQLite(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	return initDB(ctx, db, sqliteDialect)
}

func initDB(ctx context.Context, db *sql.DB, d dialect) (*DB, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", d.name, err)
	}
	return &DB{Client: db, dialect: d}, nil
}

func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := d.Client.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = `+d.dialect.ph(1), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (d *DB) Put(ctx context.Context, key string, value []byte) error {
	_, err := d.Client.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value) VALUES (`+d.dialect.ph(1)+`, `+d.dialect.ph(2)+`)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

func (d *DB) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := d.Client.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value) VALUES (`+d.dialect.ph(1)+`, `+d.dialect.ph(2)+`)
		ON CONFLICT (key) DO NOTHING
	`, key, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *DB) Delete(ctx context.Context, key string) error {
	_, err := d.Client.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = `+d.dialect.ph(1), key)
	return err
}

func (d *DB) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := d.Client.QueryContext(ctx, `
		SELECT key, value FROM kv_entries
		WHERE key LIKE `+d.dialect.ph(1)+` ESCAPE '\'
		ORDER BY key
	`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.Client.PingContext(ctx)
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
