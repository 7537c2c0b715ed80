// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists gateway state in a single SQLite database:
// paired devices, handshake nonces, cached idempotent responses, the
// agent catalog with its message bindings, sessions, runs, remote
// execution requests, and compaction summaries.
//
// The store is the durability boundary for everything except
// transcripts, which are append-only JSONL files owned by the
// transcript package. All timestamps are stored as Unix milliseconds,
// matching the wire protocol's resolution.
//
// Methods take their time from the injected clock, never from
// time.Now, so tests drive expiry and state transitions with a fake
// clock. Multi-statement updates (catalog sync, exec decisions) run in
// IMMEDIATE transactions.
package store
