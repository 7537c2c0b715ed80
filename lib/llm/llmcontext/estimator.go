// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package llmcontext

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/gatehouse-project/gatehouse/lib/llm"
)

// TokenEstimator estimates the token count of assembled context.
// Implementations may calibrate over time via RecordUsage feedback
// from actual provider responses.
type TokenEstimator interface {
	// EstimateTokens returns the estimated token count for the given
	// messages.
	EstimateTokens(messages []llm.Message) int

	// EstimateText returns the estimated token count for a bare
	// string (system prompt, file content).
	EstimateText(text string) int

	// RecordUsage updates the estimator's internal calibration using
	// the actual token count from a provider response. The messages
	// parameter is the exact slice that was sent to the provider;
	// actualInputTokens is Usage.InputTokens from the response.
	RecordUsage(messages []llm.Message, actualInputTokens int64)
}

// NewEstimator returns the best available estimator for a model: a
// tiktoken encoding when one is known, the calibrated character
// estimator otherwise. Encoding lookup can fail at runtime (unknown
// model, no cached BPE data); the fallback keeps assembly working
// either way.
func NewEstimator(model string) TokenEstimator {
	if encoding, err := tiktoken.EncodingForModel(model); err == nil {
		return &TiktokenEstimator{encoding: encoding}
	}
	if encoding, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		return &TiktokenEstimator{encoding: encoding}
	}
	return NewCharEstimator()
}

// tokensPerMessageOverhead approximates the protocol framing cost of
// one message (role marker, block structure) that a plain text
// encoding does not see.
const tokensPerMessageOverhead = 4

// TiktokenEstimator counts tokens with a real BPE encoding. It does
// not calibrate — the encoding is exact for text, and the small fixed
// per-message overhead covers protocol framing.
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
}

// EstimateTokens returns the encoded token count of all content blocks
// plus a fixed per-message overhead.
func (estimator *TiktokenEstimator) EstimateTokens(messages []llm.Message) int {
	total := 0
	for i := range messages {
		total += estimator.EstimateText(messageText(messages[i]))
		total += tokensPerMessageOverhead
	}
	return total
}

// EstimateText returns the encoded token count of text.
func (estimator *TiktokenEstimator) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	return len(estimator.encoding.Encode(text, nil, nil))
}

// RecordUsage is a no-op: the encoding is exact and needs no feedback.
func (estimator *TiktokenEstimator) RecordUsage(_ []llm.Message, _ int64) {}

// defaultCharactersPerToken is the initial ratio before calibration.
// 4.0 is conservative for English text with code — BPE tokenizers
// typically average 3.5-4.5 characters per token. Conservative means
// we overestimate token counts, which triggers compaction slightly
// early rather than risking context overflow from the provider.
const defaultCharactersPerToken = 4.0

// defaultSmoothingFactor controls how quickly the ratio adapts to
// new observations. 0.3 means 30% weight on the new observation,
// 70% on the running average.
const defaultSmoothingFactor = 0.3

// CharEstimator estimates token counts from character counts using an
// adaptive ratio that calibrates over time from actual provider usage.
//
// The ratio intentionally absorbs the fixed overhead of system
// prompts and tool definitions. This makes early estimates slightly
// conservative (overestimates tokens), which is the safe direction.
// As the conversation grows and message content dominates the
// overhead, the ratio converges toward the true tokenizer ratio.
type CharEstimator struct {
	charactersPerToken float64
	smoothingFactor    float64
	observationCount   int
}

// NewCharEstimator creates a CharEstimator with the default initial
// ratio of 4.0 characters per token and a smoothing factor of 0.3.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{
		charactersPerToken: defaultCharactersPerToken,
		smoothingFactor:    defaultSmoothingFactor,
	}
}

// EstimateTokens returns the estimated token count for the given
// messages based on the current character-to-token ratio. Always
// rounds up — it is better to overestimate than underestimate.
func (estimator *CharEstimator) EstimateTokens(messages []llm.Message) int {
	characters := messagesCharCount(messages)
	tokens := float64(characters) / estimator.charactersPerToken
	return int(tokens) + 1
}

// EstimateText returns the estimated token count for a bare string.
func (estimator *CharEstimator) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	return int(float64(len(text))/estimator.charactersPerToken) + 1
}

// RecordUsage updates the estimator's calibration using the actual
// token count from a provider response.
//
// On the first observation, the default ratio is replaced entirely
// by the observed ratio — a single real data point is far more
// informative than any default. Subsequent observations blend via
// EMA to smooth out variation between turns with different content
// profiles (text-heavy vs JSON-heavy tool outputs).
func (estimator *CharEstimator) RecordUsage(messages []llm.Message, actualInputTokens int64) {
	if actualInputTokens <= 0 {
		return
	}
	characters := messagesCharCount(messages)
	if characters == 0 {
		return
	}

	observedRatio := float64(characters) / float64(actualInputTokens)

	estimator.observationCount++
	if estimator.observationCount == 1 {
		estimator.charactersPerToken = observedRatio
		return
	}

	// EMA update: blend new observation with running average.
	estimator.charactersPerToken = estimator.smoothingFactor*observedRatio +
		(1.0-estimator.smoothingFactor)*estimator.charactersPerToken
}

// messageText concatenates the textual payload of every content block
// in a message: text, tool input JSON, tool result content.
func messageText(message llm.Message) string {
	text := ""
	for _, block := range message.Content {
		switch block.Type {
		case llm.ContentText:
			text += block.Text
		case llm.ContentToolUse:
			if block.ToolUse != nil {
				text += block.ToolUse.Name
				text += string(block.ToolUse.Input)
			}
		case llm.ContentToolResult:
			if block.ToolResult != nil {
				text += block.ToolResult.Content
			}
		}
	}
	return text
}

// messageCharCount returns the total character count across all
// content blocks in a message, plus a fixed overhead for the message
// structure (role marker, JSON framing).
func messageCharCount(message llm.Message) int {
	count := 0
	for _, block := range message.Content {
		switch block.Type {
		case llm.ContentText:
			count += len(block.Text)
		case llm.ContentToolUse:
			if block.ToolUse != nil {
				count += len(block.ToolUse.Name)
				count += len(block.ToolUse.Input)
			}
		case llm.ContentToolResult:
			if block.ToolResult != nil {
				count += len(block.ToolResult.Content)
				count += len(block.ToolResult.ToolUseID)
			}
		}
	}
	// Fixed cost per message for role markers and JSON structure
	// overhead (~20 chars for {"role":"user","content":[...]}).
	count += 20
	return count
}

// messagesCharCount returns the total character count across all
// messages in a slice.
func messagesCharCount(messages []llm.Message) int {
	total := 0
	for i := range messages {
		total += messageCharCount(messages[i])
	}
	return total
}
