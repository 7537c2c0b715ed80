// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"
)

// RecordNonce implements auth.NonceRecorder. It persists a (device,
// nonce) pair write-once and reports whether the pair was fresh. The
// table survives restarts, so a handshake replayed across a daemon
// crash is still caught for as long as the nonce row lives.
func (s *Store) RecordNonce(ctx context.Context, deviceID, nonce string, expiresAt time.Time) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: record nonce: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO nonces (device_id, nonce, expires_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID, nonce, expiresAt.UnixMilli()},
		})
	if err != nil {
		return false, fmt.Errorf("store: record nonce: %w", err)
	}
	return conn.Changes() > 0, nil
}

// PurgeStats counts the rows removed by a PurgeExpired sweep.
type PurgeStats struct {
	Nonces          int
	IdempotencyKeys int
}

// PurgeExpired deletes expired nonce and idempotency rows. Called
// periodically by the daemon; expiry is also enforced at read time, so
// the sweep only reclaims space.
func (s *Store) PurgeExpired(ctx context.Context) (PurgeStats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return PurgeStats{}, fmt.Errorf("store: purge expired: %w", err)
	}
	defer s.pool.Put(conn)

	nowMillis := s.now().UnixMilli()
	var stats PurgeStats

	err = sqlitex.Execute(conn,
		`DELETE FROM nonces WHERE expires_at <= ?`,
		&sqlitex.ExecOptions{Args: []any{nowMillis}})
	if err != nil {
		return stats, fmt.Errorf("store: purge nonces: %w", err)
	}
	stats.Nonces = conn.Changes()

	err = sqlitex.Execute(conn,
		`DELETE FROM idempotency WHERE expires_at <= ?`,
		&sqlitex.ExecOptions{Args: []any{nowMillis}})
	if err != nil {
		return stats, fmt.Errorf("store: purge idempotency: %w", err)
	}
	stats.IdempotencyKeys = conn.Changes()

	if stats.Nonces > 0 || stats.IdempotencyKeys > 0 {
		s.logger.Debug("purged expired rows",
			"nonces", stats.Nonces,
			"idempotency_keys", stats.IdempotencyKeys,
		)
	}
	return stats, nil
}
