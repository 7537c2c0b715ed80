// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent runs the agentic loop: one Run per inbound message,
// serialized per session, driving the model through context assembly,
// streaming, tool dispatch, and crash-safe transcript persistence.
//
// A run moves through INTAKE → CONTEXT_ASSEMBLY → MODEL_CALL →
// (TOOL_DISPATCH → MODEL_CALL)* → PERSIST → COMPLETE, with CANCELLED
// and ERROR reachable from any non-terminal state. Cancellation is
// cooperative: the loop checks for it before every model call and
// every tool dispatch, and an in-flight tool call runs to completion
// but its result is discarded.
//
// Tool calls are replay-protected. Every completed call id and its
// result land in the transcript before the loop advances, so a retry
// after a crash recovers them and never re-executes a side-effecting
// tool.
package agent
