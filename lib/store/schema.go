// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

// schema creates every table on open. All statements are idempotent so
// reopening an existing database is a no-op. INTEGER time columns hold
// Unix milliseconds; nullable time columns are NULL until the event
// they record has happened.
const schema = `
	CREATE TABLE IF NOT EXISTS devices (
		device_id     TEXT PRIMARY KEY,
		role          TEXT NOT NULL,
		verify_key    BLOB NOT NULL,
		approved      INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL,
		approved_at   INTEGER,
		revoked_at    INTEGER,
		revoke_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS nonces (
		device_id  TEXT NOT NULL,
		nonce      TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, nonce)
	);
	CREATE INDEX IF NOT EXISTS idx_nonces_expiry ON nonces(expires_at);

	CREATE TABLE IF NOT EXISTS idempotency (
		device_id      TEXT NOT NULL,
		method         TEXT NOT NULL,
		client_key     TEXT NOT NULL,
		request_digest BLOB NOT NULL,
		response       BLOB NOT NULL,
		created_at     INTEGER NOT NULL,
		expires_at     INTEGER NOT NULL,
		PRIMARY KEY (device_id, method, client_key)
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency(expires_at);

	CREATE TABLE IF NOT EXISTS agents (
		agent_id   TEXT PRIMARY KEY,
		config     TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bindings (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id   TEXT NOT NULL,
		provider   TEXT NOT NULL,
		channel_id TEXT NOT NULL DEFAULT '',
		sender_id  TEXT NOT NULL DEFAULT '',
		priority   INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bindings_provider ON bindings(provider);

	CREATE TABLE IF NOT EXISTS sessions (
		agent_id       TEXT NOT NULL,
		session_id     TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		turn_count     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (agent_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id        TEXT PRIMARY KEY,
		agent_id      TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		device_id     TEXT NOT NULL,
		state         TEXT NOT NULL,
		error         TEXT,
		started_at    INTEGER NOT NULL,
		finished_at   INTEGER,
		iterations    INTEGER NOT NULL DEFAULT 0,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(agent_id, session_id, started_at);

	CREATE TABLE IF NOT EXISTS exec_requests (
		exec_id        TEXT PRIMARY KEY,
		node_device_id TEXT NOT NULL,
		requested_by   TEXT NOT NULL,
		command        TEXT NOT NULL,
		args           TEXT,
		cwd            TEXT,
		timeout_sec    INTEGER NOT NULL DEFAULT 0,
		state          TEXT NOT NULL,
		reason         TEXT,
		decided_by     TEXT,
		exit_code      INTEGER,
		stdout         TEXT,
		stderr         TEXT,
		created_at     INTEGER NOT NULL,
		decided_at     INTEGER,
		completed_at   INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_exec_requests_state ON exec_requests(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_exec_requests_node ON exec_requests(node_device_id, state);

	CREATE TABLE IF NOT EXISTS compactions (
		agent_id     TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		through_turn INTEGER NOT NULL,
		summary      TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		PRIMARY KEY (agent_id, session_id, through_turn)
	);
`
