// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package llmcontext

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/llm"
	"github.com/gatehouse-project/gatehouse/lib/store"
	"github.com/gatehouse-project/gatehouse/lib/transcript"
	"github.com/gatehouse-project/gatehouse/lib/workspace"
)

// compactionTimeout bounds the summarization model call. The call runs
// under its own deadline, detached from the run's context: a cancelled
// run must not abandon a summary that is already being paid for, and
// the stored summary benefits every later turn of the session.
const compactionTimeout = 60 * time.Second

// summaryMaxTokens caps the summarization response.
const summaryMaxTokens = 2048

// summarizerSystemPrompt instructs the model when compacting older
// turns.
const summarizerSystemPrompt = "You summarize agent conversation history. " +
	"Produce a compact summary of the conversation below that preserves: " +
	"user goals and constraints, decisions made, tool calls and their key results, " +
	"and any unresolved questions. Write plain prose, no preamble."

// CompactionStore persists compaction summaries keyed by session.
// *store.Store satisfies it.
type CompactionStore interface {
	StoreCompaction(ctx context.Context, c store.Compaction) error
	LatestCompaction(ctx context.Context, agentID, sessionID string) (store.Compaction, bool, error)
}

// Config wires an Assembler.
type Config struct {
	// Summarizer performs compaction model calls. Nil disables
	// compaction; assembly then always uses the raw transcript tail.
	Summarizer llm.Provider

	// Compactions persists and recalls summaries. Nil disables
	// compaction.
	Compactions CompactionStore

	// Workspace confines bootstrap and workspace file reads. Nil is
	// allowed when the agent configures no files.
	Workspace *workspace.Guard

	// Estimator counts tokens. Required.
	Estimator TokenEstimator

	Clock  clock.Clock
	Logger *slog.Logger
}

// Assembler builds the model context for one agent turn. Not safe for
// concurrent use on the same session; the session lock in the run
// engine serializes callers.
type Assembler struct {
	summarizer  llm.Provider
	compactions CompactionStore
	guard       *workspace.Guard
	estimator   TokenEstimator
	clock       clock.Clock
	logger      *slog.Logger
}

// NewAssembler validates the config and returns an Assembler.
func NewAssembler(cfg Config) (*Assembler, error) {
	if cfg.Estimator == nil {
		return nil, fmt.Errorf("llmcontext: assembler config: Estimator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Assembler{
		summarizer:  cfg.Summarizer,
		compactions: cfg.Compactions,
		guard:       cfg.Workspace,
		estimator:   cfg.Estimator,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

// Input describes one assembly request. Turns is the full session
// transcript including the turn that triggered this run.
type Input struct {
	Agent     store.AgentConfig
	SessionID string
	Turns     []transcript.Turn

	// FirstTurn injects the agent's bootstrap files. Set when the
	// session was created by this run.
	FirstTurn bool
}

// Result is the assembled context.
type Result struct {
	// System is the agent's system prompt, passed as Request.System.
	System string

	// Messages is the conversation to send, in order: preamble
	// (bootstrap files, compaction summary, workspace files) followed
	// by the verbatim transcript tail.
	Messages []llm.Message

	// TokenCount is the estimated size of System plus Messages.
	TokenCount int

	// Compacted reports whether a compaction summary stands in for
	// older turns, whether it was created by this call or recalled.
	Compacted bool

	// CompactionSummary is the summary text when Compacted is true.
	CompactionSummary string
}

// Assemble builds the context. The compaction trigger is evaluated
// once, at the start, against the full uncompacted estimate; at most
// one summarization happens per call. Re-assembling an unchanged
// transcript is deterministic: the stored summary is reused and no
// second model call is made.
func (a *Assembler) Assemble(ctx context.Context, in Input) (Result, error) {
	agent := in.Agent
	maxTokens := agent.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = 100_000
	}
	threshold := agent.CompactionThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.75
	}
	keep := agent.RecentTurnsToKeep
	if keep <= 0 {
		keep = 20
	}

	var compaction store.Compaction
	var haveCompaction bool
	if a.compactions != nil {
		var err error
		compaction, haveCompaction, err = a.compactions.LatestCompaction(ctx, agent.ID, in.SessionID)
		if err != nil {
			return Result{}, fmt.Errorf("llmcontext: loading compaction: %w", err)
		}
	}
	through := 0
	if haveCompaction {
		through = compaction.ThroughTurn
	}

	build := func(summary string, verbatimStart int) Result {
		result := Result{System: agent.SystemPrompt}
		if summary != "" {
			result.Compacted = true
			result.CompactionSummary = summary
		}
		preamble := a.preamble(in, summary)
		if preamble != "" {
			result.Messages = append(result.Messages, llm.UserMessage(preamble))
		}
		result.Messages = append(result.Messages, turnsToMessages(in.Turns[verbatimStart:])...)
		result.TokenCount = a.estimator.EstimateTokens(result.Messages) +
			a.estimator.EstimateText(agent.SystemPrompt)
		return result
	}

	// Everything past the compaction point rides along raw. The
	// verbatim window below only decides how much history a triggered
	// compaction may fold into the summary.
	summary := ""
	if haveCompaction {
		summary = compaction.Summary
	}
	result := build(summary, through)

	// Compaction trigger: evaluated once, against the estimate that
	// includes everything currently assembled.
	budget := int(threshold * float64(maxTokens))
	newThrough := alignToUserTurn(in.Turns, len(in.Turns)-keep)
	if result.TokenCount <= budget || newThrough <= through || a.summarizer == nil || a.compactions == nil {
		return result, nil
	}

	newSummary, err := a.summarize(ctx, agent, summary, in.Turns[through:newThrough])
	if err != nil {
		// A failed compaction never fails the run. The context is
		// oversized but the provider may still accept it; the next
		// turn retries.
		a.logger.Warn("compaction failed, assembling without it",
			"agent_id", agent.ID,
			"session_id", in.SessionID,
			"error", err,
		)
		return result, nil
	}

	if err := a.compactions.StoreCompaction(ctx, store.Compaction{
		AgentID:     agent.ID,
		SessionID:   in.SessionID,
		ThroughTurn: newThrough,
		Summary:     newSummary,
	}); err != nil {
		return Result{}, fmt.Errorf("llmcontext: storing compaction: %w", err)
	}

	a.logger.Info("compacted session context",
		"agent_id", agent.ID,
		"session_id", in.SessionID,
		"through_turn", newThrough,
		"previous_through_turn", through,
	)

	return build(newSummary, newThrough), nil
}

// RecordUsage feeds actual provider token counts back into the
// estimator.
func (a *Assembler) RecordUsage(messages []llm.Message, usage llm.Usage) {
	a.estimator.RecordUsage(messages, usage.InputTokens)
}

// preamble renders the context material that precedes the transcript
// tail: bootstrap files (first turn only), the compaction summary,
// and workspace files (every turn). Returns "" when there is nothing.
func (a *Assembler) preamble(in Input, summary string) string {
	var parts []string

	if in.FirstTurn {
		for _, path := range in.Agent.BootstrapFiles {
			content, ok := a.readWorkspaceFile(in.Agent.ID, path)
			if ok {
				parts = append(parts, WrapExternal("bootstrap_file "+path, content))
			}
		}
	}

	if summary != "" {
		parts = append(parts, WrapExternal("conversation_summary", summary))
	}

	for _, path := range in.Agent.WorkspaceFiles {
		content, ok := a.readWorkspaceFile(in.Agent.ID, path)
		if ok {
			parts = append(parts, WrapExternal("workspace_file "+path, content))
		}
	}

	return strings.Join(parts, "\n\n")
}

// readWorkspaceFile reads one configured file through the guard. A
// missing or oversized file is logged and skipped rather than failing
// the turn; the agent config names files that may not exist yet.
func (a *Assembler) readWorkspaceFile(agentID, path string) (string, bool) {
	if a.guard == nil {
		return "", false
	}
	data, err := a.guard.ReadFile(path)
	if err != nil {
		a.logger.Warn("skipping context file",
			"agent_id", agentID,
			"path", path,
			"error", err,
		)
		return "", false
	}
	return string(data), true
}

// summarize asks the model to compact the given turns, folding in the
// previous summary so coverage stays cumulative. Runs detached from
// the caller's cancellation under its own deadline.
func (a *Assembler) summarize(ctx context.Context, agent store.AgentConfig, priorSummary string, turns []transcript.Turn) (string, error) {
	summaryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compactionTimeout)
	defer cancel()

	var input strings.Builder
	if priorSummary != "" {
		input.WriteString("Summary of earlier conversation:\n")
		input.WriteString(priorSummary)
		input.WriteString("\n\nSubsequent turns:\n")
	}
	input.WriteString(renderTurns(turns))

	response, err := llm.CompleteWithRetry(summaryCtx, a.clock, a.logger, a.summarizer, llm.Request{
		Model:     agent.Model,
		System:    summarizerSystemPrompt,
		MaxTokens: summaryMaxTokens,
		Messages:  []llm.Message{llm.UserMessage(input.String())},
	})
	if err != nil {
		return "", fmt.Errorf("summarizing %d turns: %w", len(turns), err)
	}
	summary := strings.TrimSpace(response.TextContent())
	if summary == "" {
		return "", fmt.Errorf("summarizing %d turns: model returned empty summary", len(turns))
	}
	return summary, nil
}

// renderTurns flattens turns into plain text for the summarizer.
func renderTurns(turns []transcript.Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		switch turn.Role {
		case transcript.RoleUser, transcript.RoleSystem, transcript.RoleAssistant:
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
			for _, call := range turn.ToolCalls {
				fmt.Fprintf(&b, "%s called tool %s with %s\n", turn.Role, call.Name, call.Input)
			}
		case transcript.RoleTool:
			for _, result := range turn.ToolResults {
				status := "returned"
				if result.IsError {
					status = "failed with"
				}
				fmt.Fprintf(&b, "tool %s %s: %s\n", result.CallID, status, result.Content)
			}
		}
	}
	return b.String()
}

// alignToUserTurn moves start back to the nearest user turn at or
// before it, so the verbatim window never opens mid tool exchange.
func alignToUserTurn(turns []transcript.Turn, start int) int {
	if start <= 0 {
		return 0
	}
	if start > len(turns) {
		start = len(turns)
	}
	for start > 0 && (start >= len(turns) || turns[start].Role != transcript.RoleUser) {
		start--
	}
	return start
}

// turnsToMessages converts transcript turns to provider messages.
// User and tool content is externally sourced and gets fenced; the
// assistant's own words pass through unwrapped.
func turnsToMessages(turns []transcript.Turn) []llm.Message {
	var messages []llm.Message
	for _, turn := range turns {
		switch turn.Role {
		case transcript.RoleUser:
			messages = append(messages, llm.UserMessage(WrapExternal("user_message", turn.Content)))

		case transcript.RoleSystem:
			messages = append(messages, llm.UserMessage(WrapExternal("system_note", turn.Content)))

		case transcript.RoleAssistant:
			var blocks []llm.ContentBlock
			if turn.Content != "" {
				blocks = append(blocks, llm.TextBlock(turn.Content))
			}
			for _, call := range turn.ToolCalls {
				blocks = append(blocks, llm.ToolUseBlock(call.CallID, call.Name, call.Input))
			}
			if len(blocks) > 0 {
				messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: blocks})
			}

		case transcript.RoleTool:
			var results []llm.ToolResult
			for _, result := range turn.ToolResults {
				results = append(results, llm.ToolResult{
					ToolUseID: result.CallID,
					Content:   WrapExternal("tool_result", result.Content),
					IsError:   result.IsError,
				})
			}
			if len(results) > 0 {
				messages = append(messages, llm.ToolResultMessage(results...))
			}
		}
	}
	return messages
}
