// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the Gatehouse-standard SQLite connection
// pool.
//
// The gateway's single SQLite database holds devices, nonces,
// idempotency records, agents, bindings, sessions, runs, exec
// requests, and compaction summaries. This package wraps
// zombiezen.com/go/sqlite with production defaults: WAL journal mode,
// NORMAL synchronous, memory-mapped I/O for reads, and a busy timeout
// to absorb write contention.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for
// the duration of its work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: write-ahead logging for concurrent readers
//     and a single writer. Reads never block writes; writes never
//     block reads.
//   - synchronous=NORMAL: transactions survive process crashes. The
//     one artifact that must survive OS crashes too — the transcript —
//     does not live here; it is JSONL with an explicit fsync per
//     append.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock
//     instead of returning SQLITE_BUSY immediately.
//   - foreign_keys=OFF: the stores manage referential integrity
//     explicitly (runs reference sessions that are created first;
//     revocation walks its own indexes).
//   - cache_size=-8192: 8 MB page cache per connection.
//   - mmap_size=268435456: 256 MB memory-mapped I/O for reads.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:     "/var/lib/gatehouse/gatehouse.db",
//	    PoolSize: 8,
//	    Logger:   logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// # Design
//
// This package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. There is no
// attempt to abstract away SQLite's connection model or invent a
// query builder. The stores write SQL, use sqlitex.Execute for cached
// statements, and manage transactions with
// sqlitex.ImmediateTransaction.
package sqlitepool
