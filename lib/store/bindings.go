// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Binding routes inbound messages from a provider scope to an agent.
// Empty ChannelID or SenderID means "any". Resolution (in the route
// package) prefers the most specific scope, then highest priority,
// then the newest row.
type Binding struct {
	ID        int64  `json:"-"`
	AgentID   string `json:"agent_id"`
	Provider  string `json:"provider"`
	ChannelID string `json:"channel_id,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// ListBindings returns bindings for a provider, newest first. An empty
// provider returns all bindings.
func (s *Store) ListBindings(ctx context.Context, provider string) ([]Binding, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list bindings: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT id, agent_id, provider, channel_id, sender_id, priority FROM bindings`
	var args []any
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY id DESC`

	var bindings []Binding
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			bindings = append(bindings, Binding{
				ID:        stmt.ColumnInt64(0),
				AgentID:   stmt.ColumnText(1),
				Provider:  stmt.ColumnText(2),
				ChannelID: stmt.ColumnText(3),
				SenderID:  stmt.ColumnText(4),
				Priority:  stmt.ColumnInt(5),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list bindings: %w", err)
	}
	return bindings, nil
}
