// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package hook

import (
	"context"
	"encoding/json"

	"github.com/gatehouse-project/gatehouse/lib/llm"
)

// Point identifies one of the five fixed hook points, in loop order.
type Point string

const (
	PointIntake           Point = "onIntake"
	PointContextAssembled Point = "onContextAssembled"
	PointModelResponse    Point = "onModelResponse"
	PointToolResult       Point = "onToolResult"
	PointTurnComplete     Point = "onTurnComplete"
)

// Privileged reports whether the point exposes the model context and
// therefore requires the privileged registration tier.
func (p Point) Privileged() bool {
	return p == PointContextAssembled || p == PointModelResponse
}

// BuiltinPlugin is the reserved plugin name for handlers compiled
// into the daemon. It is always privileged and cannot be disabled.
const BuiltinPlugin = "builtin"

// RunInfo identifies the run a payload belongs to. Handlers treat it
// as read-only; the pipeline restores it after every handler so a
// buggy plugin cannot re-route a run.
type RunInfo struct {
	AgentID   string
	SessionID string
	RunID     string
}

// Intake is the payload at onIntake: the inbound message before any
// context work. Handlers may rewrite Message (filtering, redaction).
type Intake struct {
	RunInfo
	Provider  string
	ChannelID string
	SenderID  string
	Message   string
}

// AssembledContext is the payload at onContextAssembled: the exact
// context about to be sent to the model. Privileged.
type AssembledContext struct {
	RunInfo
	System     string
	Messages   []llm.Message
	TokenCount int
	Compacted  bool
}

// ModelResponse is the payload at onModelResponse: the accumulated
// response of one model call. Privileged.
type ModelResponse struct {
	RunInfo
	Iteration int
	Response  *llm.Response
}

// ToolOutcome is the payload at onToolResult, once per tool call.
// Handlers may rewrite Content (scrubbing) or flip IsError.
type ToolOutcome struct {
	RunInfo
	CallID  string
	Name    string
	Input   json.RawMessage
	Content string
	IsError bool
}

// TurnOutcome is the payload at onTurnComplete, after the run reached
// a terminal state. Mutations are observed by later handlers only;
// the run itself is already persisted.
type TurnOutcome struct {
	RunInfo
	Iterations int
	FinalText  string
	Usage      llm.Usage
	Outcome    string
}

// Handler signatures, one per point.
type (
	IntakeHandler       func(ctx context.Context, in Intake) (Intake, error)
	ContextHandler      func(ctx context.Context, in AssembledContext) (AssembledContext, error)
	ResponseHandler     func(ctx context.Context, in ModelResponse) (ModelResponse, error)
	ToolResultHandler   func(ctx context.Context, in ToolOutcome) (ToolOutcome, error)
	TurnCompleteHandler func(ctx context.Context, in TurnOutcome) (TurnOutcome, error)
)
