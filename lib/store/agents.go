// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/gatehouse-project/gatehouse/lib/auth"
)

// Session modes control how inbound messages map to sessions. Per
// sender is the default: each sender gets an isolated conversation.
// Shared mode funnels everyone in a channel into one session.
const (
	SessionPerSender = "per-sender"
	SessionShared    = "shared"
)

// Agent configuration defaults, applied by Normalize.
const (
	DefaultMaxContextTokens    = 100_000
	DefaultCompactionThreshold = 0.75
	DefaultRecentTurnsToKeep   = 20
	DefaultMaxIterations       = 8
	DefaultRunTimeoutSec       = 600
	DefaultMaxToolResultBytes  = 16 * 1024
)

// AgentConfig describes one agent: which model drives it, how its
// context window is budgeted, and which tools it may call. Configs
// live in the agents.jsonc catalog and are synced into the database at
// startup.
type AgentConfig struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Provider and Model select the LLM adapter and the model name
	// passed through to it.
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// Context budgeting. CompactionThreshold is the fraction of
	// MaxContextTokens at which older turns are summarized.
	MaxContextTokens    int     `json:"max_context_tokens,omitempty"`
	CompactionThreshold float64 `json:"compaction_threshold,omitempty"`
	RecentTurnsToKeep   int     `json:"recent_turns_to_keep,omitempty"`

	// Loop bounds. Both exist to stop runaway tool-calling loops.
	MaxIterations int `json:"max_iterations,omitempty"`
	RunTimeoutSec int `json:"run_timeout_sec,omitempty"`

	// MaxToolResultBytes truncates oversized tool output before it
	// enters the context.
	MaxToolResultBytes int `json:"max_tool_result_bytes,omitempty"`

	// EnabledTools holds glob patterns matched against tool names.
	// Empty means no tools.
	EnabledTools []string `json:"enabled_tools,omitempty"`

	SessionMode string `json:"session_mode,omitempty"`

	// WorkspaceDir is the agent's working directory, relative to the
	// daemon's workspace root. Defaults to the agent id.
	WorkspaceDir string `json:"workspace_dir,omitempty"`

	// BootstrapFiles are injected on the first turn of a session
	// only; WorkspaceFiles are re-read into the context every turn.
	// Both are paths relative to the workspace directory.
	BootstrapFiles []string `json:"bootstrap_files,omitempty"`
	WorkspaceFiles []string `json:"workspace_files,omitempty"`
}

// Normalize returns a copy with defaults filled in for zero-valued
// tunables.
func (c AgentConfig) Normalize() AgentConfig {
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = DefaultMaxContextTokens
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = DefaultCompactionThreshold
	}
	if c.RecentTurnsToKeep <= 0 {
		c.RecentTurnsToKeep = DefaultRecentTurnsToKeep
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.RunTimeoutSec <= 0 {
		c.RunTimeoutSec = DefaultRunTimeoutSec
	}
	if c.MaxToolResultBytes <= 0 {
		c.MaxToolResultBytes = DefaultMaxToolResultBytes
	}
	if c.SessionMode == "" {
		c.SessionMode = SessionPerSender
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = c.ID
	}
	return c
}

// RunTimeout returns the wall-clock bound for one run.
func (c AgentConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSec) * time.Second
}

// Validate reports every problem with the config, joined.
func (c AgentConfig) Validate() error {
	var errs []error
	if !pathSafeID(c.ID) {
		errs = append(errs, fmt.Errorf("agent id %q is not a safe path component", c.ID))
	}
	if c.Provider == "" {
		errs = append(errs, errors.New("provider is required"))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.CompactionThreshold < 0 || c.CompactionThreshold >= 1 {
		errs = append(errs, fmt.Errorf("compaction_threshold %v must be in (0, 1)", c.CompactionThreshold))
	}
	switch c.SessionMode {
	case "", SessionPerSender, SessionShared:
	default:
		errs = append(errs, fmt.Errorf("session_mode %q must be %q or %q", c.SessionMode, SessionPerSender, SessionShared))
	}
	return errors.Join(errs...)
}

// pathSafeID reports whether id can be embedded in filesystem paths
// (transcript files, workspace directories) without escaping them.
func pathSafeID(id string) bool {
	if !auth.ValidIdentifier(id) {
		return false
	}
	if strings.ContainsAny(id, `/\`) {
		return false
	}
	if strings.HasPrefix(id, ".") {
		return false
	}
	return true
}

// UpsertAgent validates, normalizes, and writes one agent config.
func (s *Store) UpsertAgent(ctx context.Context, cfg AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("store: upsert agent: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert agent: %w", err)
	}
	defer s.pool.Put(conn)

	if err := upsertAgent(conn, cfg.Normalize(), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("store: upsert agent: %w", err)
	}
	return nil
}

func upsertAgent(conn *sqlite.Conn, cfg AgentConfig, nowMillis int64) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	return sqlitex.Execute(conn,
		`INSERT INTO agents (agent_id, config, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{cfg.ID, string(encoded), nowMillis},
		})
}

// GetAgent returns an agent config by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (AgentConfig, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return AgentConfig{}, false, fmt.Errorf("store: get agent: %w", err)
	}
	defer s.pool.Put(conn)

	var cfg AgentConfig
	var found bool
	err = sqlitex.Execute(conn,
		`SELECT config FROM agents WHERE agent_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{agentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &cfg); err != nil {
					return fmt.Errorf("unmarshal agent config: %w", err)
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return AgentConfig{}, false, fmt.Errorf("store: get agent: %w", err)
	}
	return cfg, found, nil
}

// ListAgents returns all agent configs ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]AgentConfig, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer s.pool.Put(conn)

	var configs []AgentConfig
	err = sqlitex.Execute(conn,
		`SELECT config FROM agents ORDER BY agent_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var cfg AgentConfig
				if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &cfg); err != nil {
					return fmt.Errorf("unmarshal agent config: %w", err)
				}
				configs = append(configs, cfg)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	return configs, nil
}
