// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultIdempotencyTTL is how long a cached response is replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotentResponse is a cached successful response for one
// (device, method, client key) tuple. Response holds the encoded
// result bytes exactly as first sent; RequestDigest fingerprints the
// original request parameters so a reused key with different
// parameters is detectable.
type IdempotentResponse struct {
	Response      []byte
	RequestDigest []byte
}

// LookupIdempotent returns the cached response for the key, or nil
// when none is cached or the cache entry has expired.
func (s *Store) LookupIdempotent(ctx context.Context, deviceID string, method string, clientKey string) (*IdempotentResponse, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: lookup idempotent: %w", err)
	}
	defer s.pool.Put(conn)

	var cached *IdempotentResponse
	err = sqlitex.Execute(conn,
		`SELECT response, request_digest FROM idempotency
		 WHERE device_id = ? AND method = ? AND client_key = ? AND expires_at > ?`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID, method, clientKey, s.now().UnixMilli()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cached = &IdempotentResponse{
					Response:      blobColumn(stmt, 0),
					RequestDigest: blobColumn(stmt, 1),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: lookup idempotent: %w", err)
	}
	return cached, nil
}

// StoreIdempotent caches a successful response. First live write
// wins: a concurrent duplicate that lost the in-flight race leaves
// the original row untouched. An expired row is overwritten in place,
// so replay protection resumes immediately after a key's TTL lapses
// instead of waiting for the periodic sweep to clear the tombstone.
func (s *Store) StoreIdempotent(ctx context.Context, deviceID string, method string, clientKey string, requestDigest, response []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: store idempotent: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.now()
	err = sqlitex.Execute(conn,
		`INSERT INTO idempotency
		 (device_id, method, client_key, request_digest, response, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id, method, client_key) DO UPDATE SET
		   request_digest = excluded.request_digest,
		   response       = excluded.response,
		   created_at     = excluded.created_at,
		   expires_at     = excluded.expires_at
		 WHERE idempotency.expires_at <= excluded.created_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				deviceID,
				method,
				clientKey,
				requestDigest,
				response,
				now.UnixMilli(),
				now.Add(ttl).UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: store idempotent: %w", err)
	}
	return nil
}
