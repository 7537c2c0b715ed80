// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/sqlitepool"
)

// Store provides durable gateway state backed by SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock provides the current time for created/expiry columns.
	// Required.
	Clock clock.Clock

	// Logger receives operational messages. Discarded if nil.
	Logger *slog.Logger
}

// Open opens (creating if necessary) the gateway database and applies
// the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	store := &Store{pool: pool, clock: cfg.Clock, logger: logger}
	if err := store.applySchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return store, nil
}

// OpenMemory opens an in-memory store for tests. The underlying pool
// holds a single connection so the database survives across calls.
func OpenMemory(clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if clk == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.OpenMemory(nil)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	store := &Store{pool: pool, clock: clk, logger: logger}
	if err := store.applySchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return store, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) applySchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// now returns the current time truncated to the store's millisecond
// column resolution, so values read back compare equal to values
// written.
func (s *Store) now() time.Time {
	return time.UnixMilli(s.clock.Now().UnixMilli()).UTC()
}

// timeColumn reads a nullable millisecond time column. Returns the
// zero time for NULL.
func timeColumn(stmt *sqlite.Stmt, col int) time.Time {
	if stmt.ColumnIsNull(col) {
		return time.Time{}
	}
	return time.UnixMilli(stmt.ColumnInt64(col)).UTC()
}

// millisOrNil converts a time to its column value, mapping the zero
// time to NULL.
func millisOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// blobColumn copies a BLOB column out of the statement. Returns nil
// for NULL or empty.
func blobColumn(stmt *sqlite.Stmt, col int) []byte {
	n := stmt.ColumnLen(col)
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	stmt.ColumnBytes(col, buf)
	return buf
}
