// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"io"
	"strings"
)

// Both provider families stream completions as Server-Sent Events,
// but use the format differently: the Messages API names every frame
// through the event: field (message_start, content_block_delta, ...),
// while the Chat Completions protocol sends unnamed data frames and
// ends the stream with a "[DONE]" sentinel. frameScanner handles only
// the framing layer, splitting the byte stream into frames and
// joining multi-line payloads. Decoding the JSON payload is left to
// the provider that knows its shape.

// maxFrameLine bounds a single stream line. Provider deltas are small;
// a line past this limit means the stream is not SSE at all.
const maxFrameLine = 1 << 20

// streamFrame is one parsed frame: the name from the event: field
// (empty for unnamed frames) and the payload assembled from its
// data: lines, joined with newlines.
type streamFrame struct {
	name string
	data string
}

type frameScanner struct {
	lines *bufio.Scanner
	frame streamFrame
	err   error
	done  bool
}

func newFrameScanner(r io.Reader) *frameScanner {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64*1024), maxFrameLine)
	return &frameScanner{lines: lines}
}

// Scan advances to the next frame, returning false at end of stream.
// A frame cut off by EOF before its terminating blank line is still
// delivered. After Scan returns false, Err distinguishes a clean end
// of stream from a read failure.
func (s *frameScanner) Scan() bool {
	if s.done {
		return false
	}

	var name string
	var data []string
	flush := func() bool {
		if data == nil {
			name = ""
			return false
		}
		s.frame = streamFrame{name: name, data: strings.Join(data, "\n")}
		return true
	}

	for s.lines.Scan() {
		line := s.lines.Text()
		switch {
		case line == "":
			// Blank line terminates the frame. Frames without a
			// data: line are keepalive padding, not content.
			if flush() {
				return true
			}
		case strings.HasPrefix(line, ":"):
			// Comment line. Servers send these as keepalives.
		default:
			field, value, _ := strings.Cut(line, ":")
			// One leading space after the colon belongs to the
			// delimiter, not the value.
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "data":
				data = append(data, value)
			case "event":
				name = value
			}
			// id: and retry: serve reconnecting browser clients;
			// a completion stream is never resumed, so they are
			// dropped along with unknown fields.
		}
	}

	s.done = true
	s.err = s.lines.Err()
	return s.err == nil && flush()
}

// Err reports the first read error. A clean end of stream returns nil.
func (s *frameScanner) Err() error {
	return s.err
}
