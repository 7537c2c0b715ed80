// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-project/gatehouse/lib/hook"
	"github.com/gatehouse-project/gatehouse/lib/llm"
	"github.com/gatehouse-project/gatehouse/lib/llm/llmcontext"
	"github.com/gatehouse-project/gatehouse/lib/sessionlock"
	"github.com/gatehouse-project/gatehouse/lib/store"
	"github.com/gatehouse-project/gatehouse/lib/tool"
	"github.com/gatehouse-project/gatehouse/lib/transcript"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// streamMaxAttempts bounds retries of a transient failure opening the
// model stream. A stream that fails after emitting deltas is never
// retried; the client has already seen partial output.
const streamMaxAttempts = 3

// runner carries the per-run state through the loop.
type runner struct {
	engine *Engine
	agent  store.AgentConfig
	req    Request
	runID  string
	info   hook.RunInfo
	logger *slog.Logger

	seq        int
	iterations int
	usage      llm.Usage
}

// outcome is the terminal result of a loop execution.
type outcome struct {
	state     store.RunState
	errMsg    string
	finalText string
	compacted bool
}

// run executes the loop and persists the terminal state. It never
// panics the daemon over a single bad run; every failure lands in the
// run row and an agent.error event.
func (e *Engine) run(ctx context.Context, cfg store.AgentConfig, req Request, runID string) {
	r := &runner{
		engine: e,
		agent:  cfg,
		req:    req,
		runID:  runID,
		info:   hook.RunInfo{AgentID: cfg.ID, SessionID: req.SessionID, RunID: runID},
		logger: e.logger.With("run_id", runID, "agent_id", cfg.ID, "session_id", req.SessionID),
	}

	started := e.clk.Now()
	result := r.execute(ctx)

	// Persistence of the terminal state must not be lost to the
	// cancellation that caused it.
	finishCtx := context.WithoutCancel(ctx)
	err := e.store.FinishRun(finishCtx, runID, store.RunOutcome{
		State:        result.state,
		Error:        result.errMsg,
		Iterations:   r.iterations,
		InputTokens:  int(r.usage.InputTokens),
		OutputTokens: int(r.usage.OutputTokens),
	})
	if err != nil {
		r.logger.Error("persisting run outcome", "error", err, "state", result.state)
	}

	switch result.state {
	case store.RunCompleted:
		e.publish(req.DeviceID, wire.EventAgentTurnComplete, wire.TurnCompleteEventData{
			RunID:        runID,
			AgentID:      cfg.ID,
			SessionID:    req.SessionID,
			Iterations:   r.iterations,
			InputTokens:  int(r.usage.InputTokens),
			OutputTokens: int(r.usage.OutputTokens),
			Compacted:    result.compacted,
		})
	default:
		code := wire.CodeInternal
		if result.state == store.RunCancelled {
			code = wire.CodeRunCancelled
		}
		e.publish(req.DeviceID, wire.EventAgentError, wire.ErrorEventData{
			RunID:     runID,
			AgentID:   cfg.ID,
			SessionID: req.SessionID,
			Error:     wire.Errorf(code, "%s", result.errMsg),
		})
	}

	r.logger.Info("run finished",
		"state", result.state,
		"iterations", r.iterations,
		"input_tokens", r.usage.InputTokens,
		"output_tokens", r.usage.OutputTokens,
		"duration", e.clk.Now().Sub(started),
	)
}

// interruption classifies a checkpoint trip into its terminal state.
func (r *runner) interruption(ctx context.Context) outcome {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errCancelRequested):
		return outcome{state: store.RunCancelled, errMsg: cause.Error()}
	case errors.Is(cause, errShutdown):
		return outcome{state: store.RunCancelled, errMsg: cause.Error()}
	default:
		msg := "run interrupted"
		if cause != nil {
			msg = cause.Error()
		}
		return outcome{state: store.RunError, errMsg: msg}
	}
}

func (r *runner) fail(err error) outcome {
	r.logger.Warn("run failed", "error", err)
	return outcome{state: store.RunError, errMsg: err.Error()}
}

// execute walks the state machine. The session lock is held for the
// whole execution, through the turn-complete handlers, and released
// exactly once on return.
func (r *runner) execute(ctx context.Context) outcome {
	e := r.engine

	release, err := e.locks.Acquire(ctx, sessionlock.Key(r.agent.ID, r.req.SessionID))
	if err != nil {
		result := r.interruption(ctx)
		r.turnComplete(ctx, result)
		return result
	}
	defer release()

	result := r.loop(ctx)

	// Handlers observe the finished turn before the session unlocks,
	// so a queued run for the same session cannot interleave with
	// them.
	r.turnComplete(ctx, result)
	return result
}

func (r *runner) turnComplete(ctx context.Context, result outcome) {
	r.engine.hooks.RunTurnComplete(context.WithoutCancel(ctx), hook.TurnOutcome{
		RunInfo:    r.info,
		Iterations: r.iterations,
		FinalText:  result.finalText,
		Usage:      r.usage,
		Outcome:    string(result.state),
	})
}

// loop runs intake, assembly, and the model/tool iterations. The
// caller holds the session lock.
func (r *runner) loop(ctx context.Context) outcome {
	e := r.engine

	created, err := e.store.EnsureSession(ctx, r.agent.ID, r.req.SessionID)
	if err != nil {
		return r.fail(err)
	}

	intake := e.hooks.RunIntake(ctx, hook.Intake{
		RunInfo:   r.info,
		Provider:  r.req.Provider,
		ChannelID: r.req.ChannelID,
		SenderID:  r.req.SenderID,
		Message:   r.req.Message,
	})

	if err := r.append(transcript.Turn{
		TurnID:   newTurnID(),
		Role:     transcript.RoleUser,
		Content:  intake.Message,
		Metadata: transcript.Metadata{RunID: r.runID, Provider: r.req.Provider},
		TS:       e.clk.Now(),
	}); err != nil {
		return r.fail(err)
	}

	turns, err := e.transcripts.Read(r.agent.ID, r.req.SessionID)
	if err != nil {
		return r.fail(err)
	}
	completed := completedToolResults(turns)

	guard, err := e.guardFor(r.agent)
	if err != nil {
		return r.fail(err)
	}
	assembler, err := e.assemblerFor(r.agent, guard)
	if err != nil {
		return r.fail(err)
	}
	assembled, err := assembler.Assemble(ctx, llmcontext.Input{
		Agent:     r.agent,
		SessionID: r.req.SessionID,
		Turns:     turns,
		FirstTurn: created,
	})
	if err != nil {
		if ctx.Err() != nil {
			return r.interruption(ctx)
		}
		return r.fail(err)
	}

	shaped := e.hooks.RunContextAssembled(ctx, hook.AssembledContext{
		RunInfo:    r.info,
		System:     assembled.System,
		Messages:   assembled.Messages,
		TokenCount: assembled.TokenCount,
		Compacted:  assembled.Compacted,
	})
	system, messages := shaped.System, shaped.Messages

	provider := e.providers[r.agent.Provider]
	toolSet, err := e.tools.For(r.agent.EnabledTools)
	if err != nil {
		return r.fail(err)
	}
	callCtx := tool.CallContext{
		AgentID:   r.agent.ID,
		SessionID: r.req.SessionID,
		RunID:     r.runID,
		Workspace: guard,
	}

	for {
		if ctx.Err() != nil {
			return r.interruption(ctx)
		}
		if r.iterations >= r.agent.MaxIterations {
			return r.fail(fmt.Errorf("max iterations (%d) exceeded", r.agent.MaxIterations))
		}
		r.iterations++

		response, err := r.streamModel(ctx, provider, llm.Request{
			Model:     r.agent.Model,
			System:    system,
			Messages:  messages,
			Tools:     toolSet.Definitions(),
			MaxTokens: defaultResponseMaxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return r.interruption(ctx)
			}
			return r.fail(err)
		}

		assembler.RecordUsage(messages, response.Usage)
		r.usage.InputTokens += response.Usage.InputTokens
		r.usage.OutputTokens += response.Usage.OutputTokens

		inspected := e.hooks.RunModelResponse(ctx, hook.ModelResponse{
			RunInfo:   r.info,
			Iteration: r.iterations,
			Response:  response,
		})
		response = inspected.Response

		toolUses := response.ToolUses()
		if response.StopReason != llm.StopReasonToolUse || len(toolUses) == 0 {
			finalText := response.TextContent()
			if err := r.append(transcript.Turn{
				TurnID:  newTurnID(),
				Role:    transcript.RoleAssistant,
				Content: finalText,
				Metadata: transcript.Metadata{
					RunID:        r.runID,
					Provider:     r.agent.Provider,
					Model:        response.Model,
					InputTokens:  int(response.Usage.InputTokens),
					OutputTokens: int(response.Usage.OutputTokens),
				},
				TS: e.clk.Now(),
			}); err != nil {
				return r.fail(err)
			}
			totalTurns := len(turns) + 2*(r.iterations-1) + 1
			if err := e.store.TouchSession(context.WithoutCancel(ctx), r.agent.ID, r.req.SessionID, totalTurns); err != nil {
				r.logger.Warn("touching session", "error", err)
			}
			return outcome{
				state:     store.RunCompleted,
				finalText: finalText,
				compacted: assembled.Compacted,
			}
		}

		assistantTurn := transcript.Turn{
			TurnID:  newTurnID(),
			Role:    transcript.RoleAssistant,
			Content: response.TextContent(),
			Metadata: transcript.Metadata{
				RunID:        r.runID,
				Provider:     r.agent.Provider,
				Model:        response.Model,
				InputTokens:  int(response.Usage.InputTokens),
				OutputTokens: int(response.Usage.OutputTokens),
			},
			TS: e.clk.Now(),
		}
		for _, use := range toolUses {
			assistantTurn.ToolCalls = append(assistantTurn.ToolCalls, transcript.ToolCall{
				CallID: use.ID,
				Name:   use.Name,
				Input:  use.Input,
			})
		}
		if err := r.append(assistantTurn); err != nil {
			return r.fail(err)
		}

		results, done := r.dispatchTools(ctx, toolSet, callCtx, toolUses, completed)
		if done != nil {
			return *done
		}

		toolTurn := transcript.Turn{
			TurnID:      newTurnID(),
			Role:        transcript.RoleTool,
			ToolResults: results,
			Metadata:    transcript.Metadata{RunID: r.runID},
			TS:          e.clk.Now(),
		}
		if err := r.append(toolTurn); err != nil {
			return r.fail(err)
		}

		// Extend the conversation the same way assembly renders the
		// transcript, so a retry assembles byte-identical context.
		var blocks []llm.ContentBlock
		if text := response.TextContent(); text != "" {
			blocks = append(blocks, llm.TextBlock(text))
		}
		for _, use := range toolUses {
			blocks = append(blocks, llm.ToolUseBlock(use.ID, use.Name, use.Input))
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: blocks})

		var wireResults []llm.ToolResult
		for _, result := range results {
			wireResults = append(wireResults, llm.ToolResult{
				ToolUseID: result.CallID,
				Content:   llmcontext.WrapExternal("tool_result", result.Content),
				IsError:   result.IsError,
			})
		}
		messages = append(messages, llm.ToolResultMessage(wireResults...))
	}
}

// dispatchTools executes one response's tool calls. A non-nil outcome
// ends the run (cancellation checkpoint trip or a protocol
// violation); otherwise the results are complete and in call order.
func (r *runner) dispatchTools(ctx context.Context, toolSet *tool.Set, callCtx tool.CallContext, uses []llm.ToolUse, completed map[string]transcript.ToolResult) ([]transcript.ToolResult, *outcome) {
	e := r.engine
	var results []transcript.ToolResult
	for _, use := range uses {
		if ctx.Err() != nil {
			// In-flight results from this batch are discarded; the
			// transcript keeps only whole tool turns.
			o := r.interruption(ctx)
			return nil, &o
		}
		if use.ID == "" || transcript.ValidID(use.ID) != nil {
			o := r.fail(fmt.Errorf("malformed tool call id %q from model", use.ID))
			return nil, &o
		}

		if prior, ok := completed[use.ID]; ok {
			r.logger.Info("tool call replayed from transcript", "call_id", use.ID, "tool", use.Name)
			results = append(results, prior)
			continue
		}

		started := e.clk.Now()
		content, isError, err := toolSet.Execute(ctx, callCtx, use.Name, use.Input)
		if err != nil {
			// Infrastructure failures are fed back like tool errors;
			// the model can pick another tool or give up gracefully.
			content, isError = err.Error(), true
		}
		content, truncated := llmcontext.TruncateResult(content, r.agent.MaxToolResultBytes)

		scrubbed := e.hooks.RunToolResult(ctx, hook.ToolOutcome{
			RunInfo: r.info,
			CallID:  use.ID,
			Name:    use.Name,
			Input:   use.Input,
			Content: content,
			IsError: isError,
		})

		e.publish(r.req.DeviceID, wire.EventAgentToolCall, wire.ToolCallEventData{
			RunID:      r.runID,
			AgentID:    r.agent.ID,
			SessionID:  r.req.SessionID,
			CallID:     use.ID,
			Tool:       use.Name,
			IsError:    scrubbed.IsError,
			DurationMS: e.clk.Now().Sub(started).Milliseconds(),
		})

		result := transcript.ToolResult{
			CallID:    use.ID,
			Content:   scrubbed.Content,
			IsError:   scrubbed.IsError,
			Truncated: truncated,
		}
		results = append(results, result)
		completed[use.ID] = result
	}
	return results, nil
}

// streamModel opens the model stream, forwards text deltas as
// agent.delta events, and returns the accumulated response. Transient
// failures opening the stream are retried with backoff.
func (r *runner) streamModel(ctx context.Context, provider llm.Provider, request llm.Request) (*llm.Response, error) {
	e := r.engine

	var stream *llm.EventStream
	var err error
	for attempt := 1; ; attempt++ {
		stream, err = provider.Stream(ctx, request)
		if err == nil {
			break
		}
		if attempt >= streamMaxAttempts || !llm.IsTransient(err) {
			return nil, err
		}
		backoff := time.Duration(1<<(attempt-1)) * time.Second
		r.logger.Warn("transient provider failure, retrying stream",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-e.clk.After(backoff):
		}
	}
	defer stream.Close()

	for {
		event, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if event.Type == llm.EventTextDelta && event.Text != "" {
			r.seq++
			e.publish(r.req.DeviceID, wire.EventAgentDelta, wire.DeltaEventData{
				RunID:     r.runID,
				AgentID:   r.agent.ID,
				SessionID: r.req.SessionID,
				Seq:       r.seq,
				Text:      event.Text,
			})
		}
	}
	response := stream.Response()
	return &response, nil
}

func (r *runner) append(turn transcript.Turn) error {
	return r.engine.transcripts.Append(r.agent.ID, r.req.SessionID, turn)
}

// completedToolResults indexes every tool result already in the
// transcript by call id. Call ids are provider-generated and unique,
// so a model re-issuing one after a crash gets the recorded result
// instead of a second execution.
func completedToolResults(turns []transcript.Turn) map[string]transcript.ToolResult {
	completed := make(map[string]transcript.ToolResult)
	for _, turn := range turns {
		for _, result := range turn.ToolResults {
			completed[result.CallID] = result
		}
	}
	return completed
}

func newTurnID() string {
	return "turn-" + uuid.NewString()
}
