// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestFrameScanner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		frames []streamFrame
	}{
		{
			name:  "named frames",
			input: "event: message_start\ndata: {\"type\":\"message_start\"}\n\nevent: ping\ndata: {}\n\n",
			frames: []streamFrame{
				{name: "message_start", data: `{"type":"message_start"}`},
				{name: "ping", data: "{}"},
			},
		},
		{
			name:   "multi-line payload joined with newlines",
			input:  "data: line one\ndata: line two\ndata: line three\n\n",
			frames: []streamFrame{{data: "line one\nline two\nline three"}},
		},
		{
			name:   "comment keepalives ignored",
			input:  ": keep-alive\nevent: delta\ndata: hello\n: another\n\n",
			frames: []streamFrame{{name: "delta", data: "hello"}},
		},
		{
			name:   "final frame without trailing blank line",
			input:  "event: final\ndata: tail",
			frames: []streamFrame{{name: "final", data: "tail"}},
		},
		{
			name:   "blank padding between frames",
			input:  "\n\n\ndata: hello\n\n\n\n",
			frames: []streamFrame{{data: "hello"}},
		},
		{
			name:   "crlf line endings",
			input:  "event: delta\r\ndata: hello\r\n\r\n",
			frames: []streamFrame{{name: "delta", data: "hello"}},
		},
		{
			name:   "no space after colon",
			input:  "data:tight\n\n",
			frames: []streamFrame{{data: "tight"}},
		},
		{
			name:   "chat completions done sentinel",
			input:  "data: {\"choices\":[]}\n\ndata: [DONE]\n\n",
			frames: []streamFrame{{data: `{"choices":[]}`}, {data: "[DONE]"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			scanner := newFrameScanner(strings.NewReader(tt.input))
			var got []streamFrame
			for scanner.Scan() {
				got = append(got, scanner.frame)
			}
			if err := scanner.Err(); err != nil {
				t.Fatalf("Err() = %v, want nil", err)
			}
			if !reflect.DeepEqual(got, tt.frames) {
				t.Errorf("frames = %+v, want %+v", got, tt.frames)
			}
		})
	}
}

func TestFrameScannerMessagesStream(t *testing.T) {
	t.Parallel()

	// The frame sequence of a complete single-block completion, as
	// the Messages API emits it.
	input := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-5","usage":{"input_tokens":100,"output_tokens":0}}}`,
		"",
		"event: content_block_start",
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		"",
		"event: content_block_stop",
		`data: {"type":"content_block_stop","index":0}`,
		"",
		"event: message_delta",
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":10}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"}`,
		"",
		"",
	}, "\n")

	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}

	scanner := newFrameScanner(strings.NewReader(input))
	var got []string
	for scanner.Scan() {
		if scanner.frame.data == "" {
			t.Errorf("frame %q has empty payload", scanner.frame.name)
		}
		got = append(got, scanner.frame.name)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("frame names = %v, want %v", got, want)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestFrameScannerSurfacesReadError(t *testing.T) {
	t.Parallel()

	// A connection dropped mid-frame must not be mistaken for a
	// clean end of stream.
	scanner := newFrameScanner(io.MultiReader(
		strings.NewReader("data: partial\n"),
		failingReader{},
	))
	if scanner.Scan() {
		t.Fatal("Scan() = true after read failure")
	}
	if scanner.Err() == nil {
		t.Fatal("Err() = nil, want the read error")
	}
}
