// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript owns the authoritative conversation state: one
// append-only JSONL file per (agent, session), one turn per line.
//
// Appends are flushed and fsynced before they return, so a turn that
// has been acknowledged to a client survives a crash. Nothing ever
// rewrites a transcript: compaction stores its summaries elsewhere,
// and archiving replaces a whole file only after verifying the
// compressed copy decodes byte-identical.
//
// Agent and session ids become path components, so every entry point
// re-validates them against separators and traversal.
package transcript
