// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// RunState is the lifecycle of one agent loop invocation. Terminal
// states are final: a finished run never changes again.
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunCancelled RunState = "cancelled"
	RunError     RunState = "error"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool { return s != RunRunning }

// ErrRunNotRunning is returned when finishing a run that is missing or
// already terminal.
var ErrRunNotRunning = errors.New("run is not running")

// Run is one invocation of the agent loop.
type Run struct {
	RunID     string
	AgentID   string
	SessionID string
	DeviceID  string
	State     RunState
	Error     string

	StartedAt  time.Time
	FinishedAt time.Time // zero while running

	Iterations   int
	InputTokens  int
	OutputTokens int
}

// CreateRun records a new run in the running state.
func (s *Store) CreateRun(ctx context.Context, runID, agentID, sessionID, deviceID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO runs (run_id, agent_id, session_id, device_id, state, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{runID, agentID, sessionID, deviceID, string(RunRunning), s.now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

// RunOutcome carries the final counters for FinishRun.
type RunOutcome struct {
	State        RunState
	Error        string // set for RunError, usually empty otherwise
	Iterations   int
	InputTokens  int
	OutputTokens int
}

// FinishRun transitions a running run to a terminal state. Finishing a
// run that is missing or already terminal returns ErrRunNotRunning;
// terminal states never change.
func (s *Store) FinishRun(ctx context.Context, runID string, outcome RunOutcome) error {
	if !outcome.State.Terminal() {
		return fmt.Errorf("store: finish run %s: %q is not a terminal state", runID, outcome.State)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE runs SET state = ?, error = ?, finished_at = ?, iterations = ?,
		        input_tokens = ?, output_tokens = ?
		 WHERE run_id = ? AND state = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(outcome.State),
				outcome.Error,
				s.now().UnixMilli(),
				outcome.Iterations,
				outcome.InputTokens,
				outcome.OutputTokens,
				runID,
				string(RunRunning),
			},
		})
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: finish run %s: %w", runID, ErrRunNotRunning)
	}
	return nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Run{}, false, fmt.Errorf("store: get run: %w", err)
	}
	defer s.pool.Put(conn)

	var run Run
	var found bool
	err = sqlitex.Execute(conn,
		`SELECT run_id, agent_id, session_id, device_id, state, error, started_at,
		        finished_at, iterations, input_tokens, output_tokens
		 FROM runs WHERE run_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				run = scanRun(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Run{}, false, fmt.Errorf("store: get run: %w", err)
	}
	return run, found, nil
}

// CountActiveRuns returns how many runs are currently running.
func (s *Store) CountActiveRuns(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: count active runs: %w", err)
	}
	defer s.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM runs WHERE state = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(RunRunning)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: count active runs: %w", err)
	}
	return count, nil
}

// RecoverDanglingRuns marks every run still "running" as errored.
// Called once at daemon startup: a run that was in flight when the
// process died can never complete, and must not look alive forever.
// Returns the number of runs recovered.
func (s *Store) RecoverDanglingRuns(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: recover dangling runs: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE runs SET state = ?, error = ?, finished_at = ? WHERE state = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(RunError),
				"interrupted by gateway restart",
				s.now().UnixMilli(),
				string(RunRunning),
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: recover dangling runs: %w", err)
	}

	recovered := conn.Changes()
	if recovered > 0 {
		s.logger.Warn("recovered dangling runs from previous process", "count", recovered)
	}
	return recovered, nil
}

func scanRun(stmt *sqlite.Stmt) Run {
	// Columns: run_id(0), agent_id(1), session_id(2), device_id(3),
	// state(4), error(5), started_at(6), finished_at(7),
	// iterations(8), input_tokens(9), output_tokens(10)
	return Run{
		RunID:        stmt.ColumnText(0),
		AgentID:      stmt.ColumnText(1),
		SessionID:    stmt.ColumnText(2),
		DeviceID:     stmt.ColumnText(3),
		State:        RunState(stmt.ColumnText(4)),
		Error:        stmt.ColumnText(5),
		StartedAt:    timeColumn(stmt, 6),
		FinishedAt:   timeColumn(stmt, 7),
		Iterations:   stmt.ColumnInt(8),
		InputTokens:  stmt.ColumnInt(9),
		OutputTokens: stmt.ColumnInt(10),
	}
}
