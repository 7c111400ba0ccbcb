package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Entry is a single key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the durable key-value substrate students and attendance records are
// materialized through.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent writes value only when key does not exist yet and reports
	// whether the write happened. It is atomic against concurrent writers.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend     string // memory, redis, postgres, sqlite
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string
}

// Open builds the backend named in opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		r := NewRedis(opts.RedisAddr)
		if err := r.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return r, nil
	case "postgres":
		return NewPostgres(ctx, opts.DatabaseURL)
	case "sqlite":
		return NewSQLite(ctx, opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
