// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Catalog is the operator-authored agents.jsonc file: the agents this
// gateway hosts and the bindings that route inbound messages to them.
// The catalog is the source of truth; SyncCatalog makes the database
// match it.
type Catalog struct {
	Agents   []AgentConfig `json:"agents"`
	Bindings []Binding     `json:"bindings,omitempty"`
}

// LoadCatalog reads and validates an agents.jsonc file. Comments and
// trailing commas are allowed; unknown fields are rejected so typos
// fail loudly at startup instead of silently dropping settings.
func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("store: reading catalog: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
	decoder.DisallowUnknownFields()

	var catalog Catalog
	if err := decoder.Decode(&catalog); err != nil {
		return Catalog{}, fmt.Errorf("store: parsing catalog %s: %w", path, err)
	}
	if err := catalog.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("store: catalog %s: %w", path, err)
	}
	return catalog, nil
}

// Validate checks every agent config, rejects duplicate agent ids, and
// requires each binding to reference a cataloged agent.
func (c Catalog) Validate() error {
	var errs []error

	ids := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if err := agent.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agent %d (%q): %w", i, agent.ID, err))
			continue
		}
		if ids[agent.ID] {
			errs = append(errs, fmt.Errorf("duplicate agent id %q", agent.ID))
		}
		ids[agent.ID] = true
	}

	for i, binding := range c.Bindings {
		if binding.Provider == "" {
			errs = append(errs, fmt.Errorf("binding %d: provider is required", i))
		}
		if !ids[binding.AgentID] {
			errs = append(errs, fmt.Errorf("binding %d: unknown agent %q", i, binding.AgentID))
		}
	}

	return errors.Join(errs...)
}

// SyncCatalog replaces the stored agents and bindings with the
// catalog's, in one transaction. Agents absent from the catalog are
// removed (their sessions, runs, and transcripts are history and stay).
// Bindings are rewritten in catalog order, so when two bindings tie on
// specificity and priority, the one later in the file wins.
func (s *Store) SyncCatalog(ctx context.Context, catalog Catalog) (err error) {
	if err := catalog.Validate(); err != nil {
		return fmt.Errorf("store: sync catalog: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: sync catalog: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: sync catalog: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	nowMillis := s.now().UnixMilli()

	keep := make(map[string]bool, len(catalog.Agents))
	for _, agent := range catalog.Agents {
		if err := upsertAgent(conn, agent.Normalize(), nowMillis); err != nil {
			return fmt.Errorf("store: sync catalog: agent %s: %w", agent.ID, err)
		}
		keep[agent.ID] = true
	}

	var stale []string
	err = sqlitex.Execute(conn, `SELECT agent_id FROM agents`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if id := stmt.ColumnText(0); !keep[id] {
				stale = append(stale, id)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("store: sync catalog: listing agents: %w", err)
	}
	for _, id := range stale {
		err = sqlitex.Execute(conn, `DELETE FROM agents WHERE agent_id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return fmt.Errorf("store: sync catalog: removing agent %s: %w", id, err)
		}
		s.logger.Info("agent removed from catalog", "agent_id", id)
	}

	if err = sqlitex.Execute(conn, `DELETE FROM bindings`, nil); err != nil {
		return fmt.Errorf("store: sync catalog: clearing bindings: %w", err)
	}
	for _, binding := range catalog.Bindings {
		err = sqlitex.Execute(conn,
			`INSERT INTO bindings (agent_id, provider, channel_id, sender_id, priority, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					binding.AgentID,
					binding.Provider,
					binding.ChannelID,
					binding.SenderID,
					binding.Priority,
					nowMillis,
				},
			})
		if err != nil {
			return fmt.Errorf("store: sync catalog: binding for %s: %w", binding.AgentID, err)
		}
	}

	s.logger.Info("catalog synced",
		"agents", len(catalog.Agents),
		"bindings", len(catalog.Bindings),
		"removed", len(stale),
	)
	return nil
}
