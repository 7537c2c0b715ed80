// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package llmcontext assembles the message context for an agent turn:
// system prompt, bootstrap and workspace files, the rolling compaction
// summary, and the verbatim tail of the session transcript, all within
// the agent's token budget.
//
// Token counts come from a tiktoken encoding when one is available for
// the model, with a calibrated characters-per-token estimator as the
// fallback. When the estimated context exceeds the compaction
// threshold, turns older than the verbatim window are summarized by
// the model itself and the summary substitutes for them on subsequent
// assemblies. The transcript on disk is never rewritten.
package llmcontext
