// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// openaiTestServer creates a test HTTP server and returns an OpenAI
// provider pointed at it.
func openaiTestServer(t *testing.T, handler http.Handler) *OpenAI {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewOpenAI(server.Client(), server.URL, "test-api-key")
}

func TestOpenAIComplete(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(writer http.ResponseWriter, request *http.Request) {
		if got := request.Header.Get("Authorization"); got != "Bearer test-api-key" {
			t.Errorf("Authorization = %q, want 'Bearer test-api-key'", got)
		}

		var wireRequest struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
			MaxTokens int  `json:"max_tokens"`
			Stream    bool `json:"stream"`
		}
		if err := json.NewDecoder(request.Body).Decode(&wireRequest); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}

		if wireRequest.Model != "gpt-4o" {
			t.Errorf("model = %q, want gpt-4o", wireRequest.Model)
		}
		if wireRequest.Stream {
			t.Error("stream should be false for Complete")
		}
		// System prompt becomes the first message.
		if length := len(wireRequest.Messages); length != 2 {
			t.Errorf("messages = %d, want 2", length)
		} else if wireRequest.Messages[0].Role != "system" {
			t.Errorf("messages[0].role = %q, want system", wireRequest.Messages[0].Role)
		}

		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{
			"id":    "chatcmpl-test",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello! How can I help?",
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{
				"prompt_tokens":     100,
				"completion_tokens": 15,
				"prompt_tokens_details": map[string]any{
					"cached_tokens": 40,
				},
			},
		})
	})

	provider := openaiTestServer(t, mux)

	response, err := provider.Complete(context.Background(), Request{
		Model:     "gpt-4o",
		System:    "You are helpful.",
		MaxTokens: 1024,
		Messages:  []Message{UserMessage("Hello")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if response.StopReason != StopReasonEndTurn {
		t.Errorf("StopReason = %q, want end_turn", response.StopReason)
	}
	if response.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", response.Model)
	}
	if response.Usage.InputTokens != 100 {
		t.Errorf("InputTokens = %d, want 100", response.Usage.InputTokens)
	}
	if response.Usage.OutputTokens != 15 {
		t.Errorf("OutputTokens = %d, want 15", response.Usage.OutputTokens)
	}
	if response.Usage.CacheReadTokens != 40 {
		t.Errorf("CacheReadTokens = %d, want 40", response.Usage.CacheReadTokens)
	}
	if text := response.TextContent(); text != "Hello! How can I help?" {
		t.Errorf("TextContent = %q", text)
	}
}

func TestOpenAICompleteToolCalls(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(writer http.ResponseWriter, request *http.Request) {
		var wireRequest struct {
			Tools []struct {
				Type     string `json:"type"`
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tools"`
		}
		if err := json.NewDecoder(request.Body).Decode(&wireRequest); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		if length := len(wireRequest.Tools); length != 1 {
			t.Errorf("tools = %d, want 1", length)
		} else {
			if wireRequest.Tools[0].Type != "function" {
				t.Errorf("tools[0].type = %q, want function", wireRequest.Tools[0].Type)
			}
			if wireRequest.Tools[0].Function.Name != "get_weather" {
				t.Errorf("tools[0].function.name = %q, want get_weather", wireRequest.Tools[0].Function.Name)
			}
		}

		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{
			"id":    "chatcmpl-tools",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": nil,
					"tool_calls": []map[string]any{{
						"id":   "call_01",
						"type": "function",
						"function": map[string]any{
							"name":      "get_weather",
							"arguments": `{"location":"San Francisco"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]any{"prompt_tokens": 80, "completion_tokens": 30},
		})
	})

	provider := openaiTestServer(t, mux)

	response, err := provider.Complete(context.Background(), Request{
		Model:     "gpt-4o",
		MaxTokens: 1024,
		Messages:  []Message{UserMessage("What's the weather in SF?")},
		Tools: []ToolDefinition{{
			Name:        "get_weather",
			Description: "Get the weather",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"location":{"type":"string"}}}`),
		}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if response.StopReason != StopReasonToolUse {
		t.Errorf("StopReason = %q, want tool_use", response.StopReason)
	}

	toolUses := response.ToolUses()
	if length := len(toolUses); length != 1 {
		t.Fatalf("ToolUses = %d, want 1", length)
	}
	if toolUses[0].ID != "call_01" {
		t.Errorf("tool ID = %q, want call_01", toolUses[0].ID)
	}
	if toolUses[0].Name != "get_weather" {
		t.Errorf("tool name = %q, want get_weather", toolUses[0].Name)
	}

	var input map[string]string
	if err := json.Unmarshal(toolUses[0].Input, &input); err != nil {
		t.Fatalf("unmarshal tool input: %v", err)
	}
	if input["location"] != "San Francisco" {
		t.Errorf("location = %q, want San Francisco", input["location"])
	}
}

func TestOpenAICompleteError(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(writer).Encode(map[string]any{
			"error": map[string]string{
				"type":    "invalid_request_error",
				"message": "Incorrect API key provided",
			},
		})
	})

	provider := openaiTestServer(t, mux)

	_, err := provider.Complete(context.Background(), Request{
		Model:     "gpt-4o",
		MaxTokens: 1024,
		Messages:  []Message{UserMessage("Hello")},
	})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}

	providerErr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if providerErr.StatusCode != 401 {
		t.Errorf("StatusCode = %d, want 401", providerErr.StatusCode)
	}
	if providerErr.Transient() {
		t.Error("401 should not be transient")
	}
}

func TestOpenAIStreamText(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(writer http.ResponseWriter, request *http.Request) {
		var wireRequest struct {
			Stream        bool `json:"stream"`
			StreamOptions *struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		body, _ := io.ReadAll(request.Body)
		json.Unmarshal(body, &wireRequest)
		if !wireRequest.Stream {
			t.Error("stream should be true for Stream()")
		}
		if wireRequest.StreamOptions == nil || !wireRequest.StreamOptions.IncludeUsage {
			t.Error("stream_options.include_usage should be set")
		}

		writer.Header().Set("Content-Type", "text/event-stream")

		flusher, ok := writer.(http.Flusher)
		if !ok {
			t.Fatal("ResponseWriter does not support Flush")
		}

		chunks := []string{
			`data: {"id":"chatcmpl-s","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}` + "\n\n",
			`data: {"id":"chatcmpl-s","model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"}}]}` + "\n\n",
			`data: {"id":"chatcmpl-s","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n",
			`data: {"id":"chatcmpl-s","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":50,"completion_tokens":5}}` + "\n\n",
			`data: [DONE]` + "\n\n",
		}
		for _, chunk := range chunks {
			fmt.Fprint(writer, chunk)
			flusher.Flush()
		}
	})

	provider := openaiTestServer(t, mux)

	eventStream, err := provider.Stream(context.Background(), Request{
		Model:     "gpt-4o",
		MaxTokens: 1024,
		Messages:  []Message{UserMessage("Hello")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer eventStream.Close()

	var textDeltas []string
	var contentBlocks []ContentBlock
	var doneCount int

	for {
		event, err := eventStream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}

		switch event.Type {
		case EventTextDelta:
			textDeltas = append(textDeltas, event.Text)
		case EventContentBlockDone:
			contentBlocks = append(contentBlocks, event.ContentBlock)
		case EventDone:
			doneCount++
		case EventError:
			t.Fatalf("stream error: %v", event.Error)
		}
	}

	if length := len(textDeltas); length != 2 {
		t.Fatalf("text deltas = %d, want 2", length)
	}
	if textDeltas[0] != "Hello" || textDeltas[1] != " world" {
		t.Errorf("deltas = %q, want [Hello, ' world']", textDeltas)
	}

	if length := len(contentBlocks); length != 1 {
		t.Fatalf("content blocks = %d, want 1", length)
	}
	if contentBlocks[0].Text != "Hello world" {
		t.Errorf("block text = %q, want 'Hello world'", contentBlocks[0].Text)
	}
	if doneCount != 1 {
		t.Errorf("done events = %d, want 1", doneCount)
	}

	response := eventStream.Response()
	if response.StopReason != StopReasonEndTurn {
		t.Errorf("StopReason = %q, want end_turn", response.StopReason)
	}
	if response.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", response.Model)
	}
	if response.Usage.InputTokens != 50 {
		t.Errorf("InputTokens = %d, want 50", response.Usage.InputTokens)
	}
	if response.Usage.OutputTokens != 5 {
		t.Errorf("OutputTokens = %d, want 5", response.Usage.OutputTokens)
	}
}

func TestOpenAIStreamToolCalls(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "text/event-stream")

		flusher, ok := writer.(http.Flusher)
		if !ok {
			t.Fatal("ResponseWriter does not support Flush")
		}

		// Tool call arguments arrive fragmented across chunks.
		chunks := []string{
			`data: {"id":"chatcmpl-t","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_stream","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}` + "\n\n",
			`data: {"id":"chatcmpl-t","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"location\":"}}]}}]}` + "\n\n",
			`data: {"id":"chatcmpl-t","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"SF\"}"}}]}}]}` + "\n\n",
			`data: {"id":"chatcmpl-t","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n",
			`data: {"id":"chatcmpl-t","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":80,"completion_tokens":25}}` + "\n\n",
			`data: [DONE]` + "\n\n",
		}
		for _, chunk := range chunks {
			fmt.Fprint(writer, chunk)
			flusher.Flush()
		}
	})

	provider := openaiTestServer(t, mux)

	eventStream, err := provider.Stream(context.Background(), Request{
		Model:     "gpt-4o",
		MaxTokens: 1024,
		Messages:  []Message{UserMessage("Weather in SF?")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer eventStream.Close()

	var contentBlocks []ContentBlock
	for {
		event, err := eventStream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if event.Type == EventContentBlockDone {
			contentBlocks = append(contentBlocks, event.ContentBlock)
		}
	}

	if length := len(contentBlocks); length != 1 {
		t.Fatalf("content blocks = %d, want 1", length)
	}
	if contentBlocks[0].Type != ContentToolUse {
		t.Fatalf("block type = %q, want tool_use", contentBlocks[0].Type)
	}
	toolUse := contentBlocks[0].ToolUse
	if toolUse.ID != "call_stream" {
		t.Errorf("tool ID = %q, want call_stream", toolUse.ID)
	}
	if toolUse.Name != "get_weather" {
		t.Errorf("tool name = %q, want get_weather", toolUse.Name)
	}

	var input map[string]string
	if err := json.Unmarshal(toolUse.Input, &input); err != nil {
		t.Fatalf("unmarshal tool input: %v", err)
	}
	if input["location"] != "SF" {
		t.Errorf("location = %q, want SF", input["location"])
	}

	response := eventStream.Response()
	if response.StopReason != StopReasonToolUse {
		t.Errorf("StopReason = %q, want tool_use", response.StopReason)
	}
	if response.Usage.OutputTokens != 25 {
		t.Errorf("OutputTokens = %d, want 25", response.Usage.OutputTokens)
	}
}

func TestOpenAIToolResultWireFormat(t *testing.T) {
	t.Parallel()

	// Tool results become role=tool messages referencing the call ID,
	// and the assistant tool_use turn becomes a tool_calls message.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(writer http.ResponseWriter, request *http.Request) {
		var wireRequest struct {
			Messages []struct {
				Role       string          `json:"role"`
				Content    json.RawMessage `json:"content"`
				ToolCallID string          `json:"tool_call_id"`
				ToolCalls  []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(request.Body).Decode(&wireRequest); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}

		// user, assistant (tool_calls), tool.
		if length := len(wireRequest.Messages); length != 3 {
			t.Fatalf("messages = %d, want 3", length)
		}

		assistantMsg := wireRequest.Messages[1]
		if assistantMsg.Role != "assistant" {
			t.Errorf("messages[1].role = %q, want assistant", assistantMsg.Role)
		}
		if length := len(assistantMsg.ToolCalls); length != 1 {
			t.Fatalf("assistant tool_calls = %d, want 1", length)
		}
		if assistantMsg.ToolCalls[0].ID != "call_01" {
			t.Errorf("tool_calls[0].id = %q, want call_01", assistantMsg.ToolCalls[0].ID)
		}
		if assistantMsg.ToolCalls[0].Function.Name != "get_weather" {
			t.Errorf("tool_calls[0].function.name = %q, want get_weather", assistantMsg.ToolCalls[0].Function.Name)
		}

		toolMsg := wireRequest.Messages[2]
		if toolMsg.Role != "tool" {
			t.Errorf("messages[2].role = %q, want tool", toolMsg.Role)
		}
		if toolMsg.ToolCallID != "call_01" {
			t.Errorf("messages[2].tool_call_id = %q, want call_01", toolMsg.ToolCallID)
		}

		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{
			"id":    "chatcmpl-final",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "It's sunny!",
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 10},
		})
	})

	provider := openaiTestServer(t, mux)

	response, err := provider.Complete(context.Background(), Request{
		Model:     "gpt-4o",
		MaxTokens: 1024,
		Messages: []Message{
			UserMessage("Weather in SF?"),
			{
				Role: RoleAssistant,
				Content: []ContentBlock{
					ToolUseBlock("call_01", "get_weather", json.RawMessage(`{"location":"SF"}`)),
				},
			},
			ToolResultMessage(ToolResult{
				ToolUseID: "call_01",
				Content:   "72F and sunny",
			}),
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text := response.TextContent(); text != "It's sunny!" {
		t.Errorf("TextContent = %q, want 'It's sunny!'", text)
	}
}
