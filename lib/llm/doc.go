// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm provides a provider-agnostic interface for Large Language
// Model APIs with streaming and tool-use support.
//
// The primary abstraction is [Provider], which supports both blocking
// completion and streaming responses. Provider implementations translate
// between the common types in this package and each vendor's wire format.
//
// API keys come from the gateway's secrets provider at construction time
// and are attached as HTTP headers per request; they are never logged
// and never appear in error messages.
//
// Streaming responses arrive as Server-Sent Events; an internal frame
// scanner handles the framing and each provider decodes its own
// payloads. The [EventStream] type wraps a streaming response, yielding
// [StreamEvent] values as they arrive while accumulating the complete
// [Response] internally.
//
// Current provider implementations:
//   - [Anthropic]: Claude models via the Messages API (/v1/messages)
//   - [OpenAI]: any Chat-Completions-compatible API (OpenAI, OpenRouter,
//     vLLM, Ollama, llama.cpp, ...)
package llm
