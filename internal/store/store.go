// Package store implements the ordered key-to-bytes map every other
// component in simfs reads and writes through. It is backed by a
// single-table SQLite database accessed through a small connection
// pool; callers never see SQL.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// Config holds the parameters for opening a Store. Path is required;
// the rest have sensible defaults.
type Config struct {
	// Path is the filesystem path to the database file. It is created
	// if it does not exist. Use ":memory:" for an ephemeral store
	// (tests only — each in-memory connection is independent, so
	// PoolSize must be 1 in that case).
	Path string

	// PoolSize is the number of pooled connections. Defaults to
	// max(runtime.NumCPU(), 4), or 1 automatically when Path is
	// ":memory:".
	PoolSize int

	// Logger receives open/close diagnostics. Defaults to a no-op
	// logger.
	Logger *slog.Logger
}

// Store is the embedded key-value store described by the data model:
// two key namespaces ("meta:" and "content:") layered over one flat
// table, with ordered prefix scan used to enumerate directory
// children.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates or opens the backing database and returns a ready
// Store. The caller must call Close when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if cfg.Path == ":memory:" {
		poolSize = 1
	} else if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{pool: pool, logger: logger, path: cfg.Path}, nil
}

// Close closes every pooled connection. Blocks until all borrowed
// connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	return nil
}

// Put writes value under key, replacing any existing value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO entries (key, value) VALUES (?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{key, value}},
	)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key. The second return value is
// false when key does not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn,
		"SELECT value FROM entries WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				return nil
			},
		},
	)
	if err != nil {
		return nil, false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return value, found, nil
}

// Delete removes key. It is not an error if key does not exist.
func (s *Store) Delete(ctx context.Context, key string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM entries WHERE key = ?",
		&sqlitex.ExecOptions{Args: []any{key}},
	)
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM entries WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		},
	)
	if err != nil {
		return false, fmt.Errorf("store: exists %q: %w", key, err)
	}
	return found, nil
}

// ScanPrefix returns every key with the given prefix, in ascending
// order. The upper bound prefix+0xFF relies on the fact that 0xFF cannot appear
// in a valid UTF-8-encoded key, so "prefix" .. "prefix"+0xFF spans
// exactly the keys that start with prefix.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	upper := prefix + "\xff"
	var keys []string
	err = sqlitex.Execute(conn,
		"SELECT key FROM entries WHERE key >= ? AND key < ? ORDER BY key",
		&sqlitex.ExecOptions{
			Args: []any{prefix, upper},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("store: scan prefix %q: %w", prefix, err)
	}
	return keys, nil
}

// Entry pairs a key with its stored value, as returned by
// ScanPrefixEntries.
type Entry struct {
	Key   string
	Value []byte
}

// ScanPrefixEntries returns every key-value pair with the given
// prefix, in ascending key order. It exists alongside ScanPrefix for
// callers (directory listing, folder-context gathering) that need each key's
// value without a second round-trip per key.
func (s *Store) ScanPrefixEntries(ctx context.Context, prefix string) ([]Entry, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	upper := prefix + "\xff"
	var entries []Entry
	err = sqlitex.Execute(conn,
		"SELECT key, value FROM entries WHERE key >= ? AND key < ? ORDER BY key",
		&sqlitex.ExecOptions{
			Args: []any{prefix, upper},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, value)
				entries = append(entries, Entry{Key: stmt.ColumnText(0), Value: value})
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("store: scan prefix entries %q: %w", prefix, err)
	}
	return entries, nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take connection: %w", err)
	}
	return conn, nil
}
