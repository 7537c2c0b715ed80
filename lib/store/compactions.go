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

// Compaction is a model-generated summary standing in for the first
// ThroughTurn turns of a session's transcript. The transcript itself
// is never rewritten; context assembly substitutes the summary for the
// turns it covers.
type Compaction struct {
	AgentID     string
	SessionID   string
	ThroughTurn int // number of leading transcript turns the summary covers
	Summary     string
	CreatedAt   time.Time
}

// StoreCompaction records a compaction summary. Re-summarizing the
// same prefix replaces the earlier summary for that prefix.
func (s *Store) StoreCompaction(ctx context.Context, c Compaction) error {
	if c.ThroughTurn <= 0 {
		return fmt.Errorf("store: store compaction: through_turn must be positive, got %d", c.ThroughTurn)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: store compaction: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO compactions (agent_id, session_id, through_turn, summary, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{c.AgentID, c.SessionID, c.ThroughTurn, c.Summary, s.now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("store: store compaction: %w", err)
	}
	return nil
}

// LatestCompaction returns the compaction covering the longest prefix
// of the session's transcript.
func (s *Store) LatestCompaction(ctx context.Context, agentID, sessionID string) (Compaction, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Compaction{}, false, fmt.Errorf("store: latest compaction: %w", err)
	}
	defer s.pool.Put(conn)

	var compaction Compaction
	var found bool
	err = sqlitex.Execute(conn,
		`SELECT agent_id, session_id, through_turn, summary, created_at
		 FROM compactions WHERE agent_id = ? AND session_id = ?
		 ORDER BY through_turn DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				compaction = Compaction{
					AgentID:     stmt.ColumnText(0),
					SessionID:   stmt.ColumnText(1),
					ThroughTurn: stmt.ColumnInt(2),
					Summary:     stmt.ColumnText(3),
					CreatedAt:   timeColumn(stmt, 4),
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return Compaction{}, false, fmt.Errorf("store: latest compaction: %w", err)
	}
	return compaction, found, nil
}
