// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import "encoding/json"

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType discriminates the content block union.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
)

// ContentBlock is one unit of message content: text, a tool invocation
// requested by the model, or the result of a tool invocation supplied
// by the caller. Exactly one of the pointer fields matching Type is
// populated.
type ContentBlock struct {
	Type       ContentType `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolUse is a model-requested tool invocation. ID is the provider's
// call id; the matching ToolResult must echo it.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the caller-supplied outcome of a tool invocation.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one turn of conversation content sent to or received from
// a model.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ToolUseBlock builds a tool-use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{
		Type:    ContentToolUse,
		ToolUse: &ToolUse{ID: id, Name: name, Input: input},
	}
}

// UserMessage builds a user message containing a single text block.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage builds an assistant message containing a single
// text block.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// ToolResultMessage builds the user message that carries tool results
// back to the model after a tool-use turn.
func ToolResultMessage(results ...ToolResult) Message {
	message := Message{Role: RoleUser}
	for i := range results {
		result := results[i]
		message.Content = append(message.Content, ContentBlock{
			Type:       ContentToolResult,
			ToolResult: &result,
		})
	}
	return message
}

// ToolDefinition describes one tool the model may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	// Model is the provider's model identifier.
	Model string

	// System is the system prompt, sent out-of-band from Messages.
	System string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Tools the model may call this turn. Empty means no tools.
	Tools []ToolDefinition

	// MaxTokens caps the response length.
	MaxTokens int

	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// StopSequences end generation early when emitted.
	StopSequences []string
}

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Usage reports token consumption for one request.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// Response is the complete result of one model call.
type Response struct {
	Content    []ContentBlock
	StopReason StopReason
	Model      string
	Usage      Usage
}

// TextContent concatenates the response's text blocks.
func (response *Response) TextContent() string {
	var text string
	for _, block := range response.Content {
		if block.Type == ContentText {
			text += block.Text
		}
	}
	return text
}

// ToolUses returns the tool invocations the model requested, in order.
func (response *Response) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, block := range response.Content {
		if block.Type == ContentToolUse && block.ToolUse != nil {
			uses = append(uses, *block.ToolUse)
		}
	}
	return uses
}

// EventType discriminates streaming events.
type EventType string

const (
	// EventTextDelta carries one fragment of text content as it
	// arrives.
	EventTextDelta EventType = "text_delta"

	// EventContentBlockDone carries one complete content block (text
	// or tool use) once the provider finalizes it.
	EventContentBlockDone EventType = "content_block_done"

	// EventDone marks the end of the stream. The accumulated Response
	// is complete after this event.
	EventDone EventType = "done"

	// EventPing is provider keepalive traffic; consumers may ignore
	// it.
	EventPing EventType = "ping"

	// EventError carries a mid-stream provider error.
	EventError EventType = "error"
)

// StreamEvent is one event from a streaming response.
type StreamEvent struct {
	Type         EventType
	Text         string
	ContentBlock ContentBlock
	Error        error
}
