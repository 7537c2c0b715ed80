// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ExecState is the approval workflow for remote command execution:
// a request starts pending, an admin decides it (approved or denied),
// and the node's result completes it. Denied and completed are final.
type ExecState string

const (
	ExecPending   ExecState = "pending"
	ExecApproved  ExecState = "approved"
	ExecDenied    ExecState = "denied"
	ExecCompleted ExecState = "completed"
)

// Exec workflow errors. Handlers translate these into wire errors.
var (
	ErrExecNotFound       = errors.New("exec request not found")
	ErrExecAlreadyDecided = errors.New("exec request already decided")
	ErrExecNotApproved    = errors.New("exec request not approved")
	ErrExecWrongNode      = errors.New("exec result from wrong node")
)

// ExecRequest is one remote command execution request and, once the
// node reports back, its outcome.
type ExecRequest struct {
	ExecID       string
	NodeDeviceID string
	RequestedBy  string
	Command      string
	Args         []string
	Cwd          string
	TimeoutSec   int

	State     ExecState
	Reason    string // decision reason, set by the approving admin
	DecidedBy string

	ExitCode *int // nil until completed
	Stdout   string
	Stderr   string

	CreatedAt   time.Time
	DecidedAt   time.Time // zero while pending
	CompletedAt time.Time // zero until completed
}

// CreateExec records a new pending exec request.
func (s *Store) CreateExec(ctx context.Context, req ExecRequest) error {
	if req.ExecID == "" {
		return fmt.Errorf("store: create exec: exec id is required")
	}

	var argsJSON any
	if len(req.Args) > 0 {
		encoded, err := json.Marshal(req.Args)
		if err != nil {
			return fmt.Errorf("store: create exec: marshal args: %w", err)
		}
		argsJSON = string(encoded)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: create exec: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO exec_requests
		 (exec_id, node_device_id, requested_by, command, args, cwd, timeout_sec, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				req.ExecID,
				req.NodeDeviceID,
				req.RequestedBy,
				req.Command,
				argsJSON,
				req.Cwd,
				req.TimeoutSec,
				string(ExecPending),
				s.now().UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: create exec: %w", err)
	}
	return nil
}

// DecideExec moves a pending request to approved or denied and returns
// the updated row. A request that is missing returns ErrExecNotFound;
// one already past pending returns ErrExecAlreadyDecided.
func (s *Store) DecideExec(ctx context.Context, execID string, approve bool, decidedBy, reason string) (req ExecRequest, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ExecRequest{}, fmt.Errorf("store: decide exec: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return ExecRequest{}, fmt.Errorf("store: decide exec: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	req, found, err := getExec(conn, execID)
	if err != nil {
		return ExecRequest{}, fmt.Errorf("store: decide exec: %w", err)
	}
	if !found {
		return ExecRequest{}, fmt.Errorf("store: decide exec %s: %w", execID, ErrExecNotFound)
	}
	if req.State != ExecPending {
		return ExecRequest{}, fmt.Errorf("store: decide exec %s: state %s: %w", execID, req.State, ErrExecAlreadyDecided)
	}

	state := ExecDenied
	if approve {
		state = ExecApproved
	}
	now := s.now()

	err = sqlitex.Execute(conn,
		`UPDATE exec_requests SET state = ?, reason = ?, decided_by = ?, decided_at = ?
		 WHERE exec_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(state), reason, decidedBy, now.UnixMilli(), execID},
		})
	if err != nil {
		return ExecRequest{}, fmt.Errorf("store: decide exec: %w", err)
	}

	req.State = state
	req.Reason = reason
	req.DecidedBy = decidedBy
	req.DecidedAt = now
	return req, nil
}

// CompleteExec records the node's result for an approved request and
// returns the updated row. Only the node the request targets may
// complete it.
func (s *Store) CompleteExec(ctx context.Context, execID, nodeDeviceID string, exitCode int, stdout, stderr string) (req ExecRequest, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ExecRequest{}, fmt.Errorf("store: complete exec: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return ExecRequest{}, fmt.Errorf("store: complete exec: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	req, found, err := getExec(conn, execID)
	if err != nil {
		return ExecRequest{}, fmt.Errorf("store: complete exec: %w", err)
	}
	if !found {
		return ExecRequest{}, fmt.Errorf("store: complete exec %s: %w", execID, ErrExecNotFound)
	}
	if req.NodeDeviceID != nodeDeviceID {
		return ExecRequest{}, fmt.Errorf("store: complete exec %s: submitted by %s, targets %s: %w",
			execID, nodeDeviceID, req.NodeDeviceID, ErrExecWrongNode)
	}
	if req.State != ExecApproved {
		return ExecRequest{}, fmt.Errorf("store: complete exec %s: state %s: %w", execID, req.State, ErrExecNotApproved)
	}

	now := s.now()
	err = sqlitex.Execute(conn,
		`UPDATE exec_requests SET state = ?, exit_code = ?, stdout = ?, stderr = ?, completed_at = ?
		 WHERE exec_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(ExecCompleted), exitCode, stdout, stderr, now.UnixMilli(), execID},
		})
	if err != nil {
		return ExecRequest{}, fmt.Errorf("store: complete exec: %w", err)
	}

	req.State = ExecCompleted
	req.ExitCode = &exitCode
	req.Stdout = stdout
	req.Stderr = stderr
	req.CompletedAt = now
	return req, nil
}

// GetExec returns one exec request by id.
func (s *Store) GetExec(ctx context.Context, execID string) (ExecRequest, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ExecRequest{}, false, fmt.Errorf("store: get exec: %w", err)
	}
	defer s.pool.Put(conn)

	req, found, err := getExec(conn, execID)
	if err != nil {
		return ExecRequest{}, false, fmt.Errorf("store: get exec: %w", err)
	}
	return req, found, nil
}

// ListExecs returns exec requests, oldest first, optionally filtered
// by state. Limit defaults to 100.
func (s *Store) ListExecs(ctx context.Context, state ExecState, limit int) ([]ExecRequest, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list execs: %w", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = 100
	}

	query := execSelectColumns + ` FROM exec_requests`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at, exec_id LIMIT ?`
	args = append(args, limit)

	var requests []ExecRequest
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			req, err := scanExec(stmt)
			if err != nil {
				return err
			}
			requests = append(requests, req)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list execs: %w", err)
	}
	return requests, nil
}

const execSelectColumns = `SELECT exec_id, node_device_id, requested_by, command, args, cwd,
	timeout_sec, state, reason, decided_by, exit_code, stdout, stderr,
	created_at, decided_at, completed_at`

func getExec(conn *sqlite.Conn, execID string) (ExecRequest, bool, error) {
	var req ExecRequest
	var found bool
	err := sqlitex.Execute(conn,
		execSelectColumns+` FROM exec_requests WHERE exec_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{execID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, err := scanExec(stmt)
				if err != nil {
					return err
				}
				req = scanned
				found = true
				return nil
			},
		})
	if err != nil {
		return ExecRequest{}, false, err
	}
	return req, found, nil
}

func scanExec(stmt *sqlite.Stmt) (ExecRequest, error) {
	// Columns: exec_id(0), node_device_id(1), requested_by(2),
	// command(3), args(4), cwd(5), timeout_sec(6), state(7),
	// reason(8), decided_by(9), exit_code(10), stdout(11),
	// stderr(12), created_at(13), decided_at(14), completed_at(15)
	req := ExecRequest{
		ExecID:       stmt.ColumnText(0),
		NodeDeviceID: stmt.ColumnText(1),
		RequestedBy:  stmt.ColumnText(2),
		Command:      stmt.ColumnText(3),
		Cwd:          stmt.ColumnText(5),
		TimeoutSec:   stmt.ColumnInt(6),
		State:        ExecState(stmt.ColumnText(7)),
		Reason:       stmt.ColumnText(8),
		DecidedBy:    stmt.ColumnText(9),
		Stdout:       stmt.ColumnText(11),
		Stderr:       stmt.ColumnText(12),
		CreatedAt:    timeColumn(stmt, 13),
		DecidedAt:    timeColumn(stmt, 14),
		CompletedAt:  timeColumn(stmt, 15),
	}

	if !stmt.ColumnIsNull(4) {
		if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &req.Args); err != nil {
			return ExecRequest{}, fmt.Errorf("unmarshal exec args: %w", err)
		}
	}
	if !stmt.ColumnIsNull(10) {
		code := stmt.ColumnInt(10)
		req.ExitCode = &code
	}
	return req, nil
}
