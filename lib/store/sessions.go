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

// Session is one conversation owned by an agent. The transcript on
// disk is the conversation itself; this row is bookkeeping.
type Session struct {
	AgentID      string
	SessionID    string
	CreatedAt    time.Time
	LastActiveAt time.Time
	TurnCount    int
}

// EnsureSession creates the session row if it does not exist and
// reports whether this call created it.
func (s *Store) EnsureSession(ctx context.Context, agentID, sessionID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: ensure session: %w", err)
	}
	defer s.pool.Put(conn)

	nowMillis := s.now().UnixMilli()
	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO sessions (agent_id, session_id, created_at, last_active_at)
		 VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, sessionID, nowMillis, nowMillis},
		})
	if err != nil {
		return false, fmt.Errorf("store: ensure session: %w", err)
	}
	return conn.Changes() > 0, nil
}

// TouchSession bumps a session's activity time and adds turns to its
// counter.
func (s *Store) TouchSession(ctx context.Context, agentID, sessionID string, turns int) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET last_active_at = ?, turn_count = turn_count + ?
		 WHERE agent_id = ? AND session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.now().UnixMilli(), turns, agentID, sessionID},
		})
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return nil
}

// GetSession returns one session row.
func (s *Store) GetSession(ctx context.Context, agentID, sessionID string) (Session, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Session{}, false, fmt.Errorf("store: get session: %w", err)
	}
	defer s.pool.Put(conn)

	var session Session
	var found bool
	err = sqlitex.Execute(conn,
		`SELECT agent_id, session_id, created_at, last_active_at, turn_count
		 FROM sessions WHERE agent_id = ? AND session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = scanSession(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Session{}, false, fmt.Errorf("store: get session: %w", err)
	}
	return session, found, nil
}

// ListSessions returns an agent's sessions, most recently active
// first. An empty agentID returns every session.
func (s *Store) ListSessions(ctx context.Context, agentID string) ([]Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT agent_id, session_id, created_at, last_active_at, turn_count FROM sessions`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY last_active_at DESC, session_id`

	var sessions []Session
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sessions = append(sessions, scanSession(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return sessions, nil
}

// CountSessions returns the total number of sessions, for status
// reporting.
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: count sessions: %w", err)
	}
	defer s.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM sessions`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: count sessions: %w", err)
	}
	return count, nil
}

func scanSession(stmt *sqlite.Stmt) Session {
	// Columns: agent_id(0), session_id(1), created_at(2),
	// last_active_at(3), turn_count(4)
	return Session{
		AgentID:      stmt.ColumnText(0),
		SessionID:    stmt.ColumnText(1),
		CreatedAt:    timeColumn(stmt, 2),
		LastActiveAt: timeColumn(stmt, 3),
		TurnCount:    stmt.ColumnInt(4),
	}
}
