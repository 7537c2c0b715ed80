// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCall is a model-requested tool invocation recorded on an
// assistant turn.
type ToolCall struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of one tool call, recorded on a tool turn.
type ToolResult struct {
	CallID    string `json:"call_id"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Metadata carries provenance for a turn.
type Metadata struct {
	RunID        string `json:"run_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Turn is one transcript entry. The ordered sequence of turns in a
// session file is the conversation; turns are never mutated once
// written.
type Turn struct {
	TurnID      string       `json:"turn_id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Metadata    Metadata     `json:"metadata"`
	TS          time.Time    `json:"ts"`
}

// maxLineBytes bounds a single transcript line on read. Tool results
// are truncated well below this before they are written.
const maxLineBytes = 4 << 20

// ValidID reports whether id is usable as a transcript path component:
// non-empty, at most 128 bytes, no separators, no traversal, no leading
// dot, no control characters.
func ValidID(id string) error {
	switch {
	case id == "":
		return errors.New("id is empty")
	case len(id) > 128:
		return fmt.Errorf("id is %d bytes, limit 128", len(id))
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("id %q contains a path separator", id)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("id %q starts with a dot", id)
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] == 0x7F {
			return fmt.Errorf("id contains control character 0x%02x", id[i])
		}
	}
	return nil
}

// Store reads and appends session transcripts under a root directory.
// Layout: <root>/<agent>/<session>.jsonl, archives alongside with the
// archive extension appended.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a transcript store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{root: dir, logger: logger}
}

func (s *Store) sessionPath(agentID, sessionID string) (string, error) {
	if err := ValidID(agentID); err != nil {
		return "", fmt.Errorf("transcript: agent id: %w", err)
	}
	if err := ValidID(sessionID); err != nil {
		return "", fmt.Errorf("transcript: session id: %w", err)
	}
	return filepath.Join(s.root, agentID, sessionID+".jsonl"), nil
}

// Append writes one turn to the session's transcript and fsyncs before
// returning. The sync cost is acceptable: transcripts see a handful of
// writes per turn, and an acknowledged turn must survive a crash.
func (s *Store) Append(agentID, sessionID string, turn Turn) error {
	path, err := s.sessionPath(agentID, sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("transcript: creating session directory: %w", err)
	}

	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("transcript: encoding turn: %w", err)
	}
	line = append(line, '\n')

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("transcript: opening %s: %w", path, err)
	}
	defer file.Close()

	// One Write call per line: O_APPEND keeps concurrent lines whole.
	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("transcript: appending turn: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("transcript: syncing %s: %w", path, err)
	}
	return nil
}

// Read returns the session's turns in append order. A session with no
// transcript yet reads as empty. A torn final line — the signature of
// a crash mid-append — is dropped with a warning; corruption anywhere
// else is an error.
func (s *Store) Read(agentID, sessionID string) ([]Turn, error) {
	path, err := s.sessionPath(agentID, sessionID)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: opening %s: %w", path, err)
	}
	defer file.Close()

	turns, parseErr := parseTurns(bufio.NewScanner(file))
	if parseErr != nil {
		var torn *tornTailError
		if errors.As(parseErr, &torn) {
			s.logger.Warn("dropping torn final transcript line",
				"agent_id", agentID,
				"session_id", sessionID,
				"line", torn.line,
			)
			return turns, nil
		}
		return nil, fmt.Errorf("transcript: reading %s: %w", path, parseErr)
	}
	return turns, nil
}

// tornTailError marks a parse failure on the final line only.
type tornTailError struct {
	line int
	err  error
}

func (e *tornTailError) Error() string {
	return fmt.Sprintf("torn final line %d: %v", e.line, e.err)
}

func (e *tornTailError) Unwrap() error { return e.err }

func parseTurns(scanner *bufio.Scanner) ([]Turn, error) {
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var turns []Turn
	var pendingErr *tornTailError
	line := 0
	for scanner.Scan() {
		line++
		if pendingErr != nil {
			// The bad line was not the last one after all.
			return nil, fmt.Errorf("line %d: %w", pendingErr.line, pendingErr.err)
		}
		text := scanner.Bytes()
		if len(strings.TrimSpace(string(text))) == 0 {
			continue
		}
		var turn Turn
		if err := json.Unmarshal(text, &turn); err != nil {
			pendingErr = &tornTailError{line: line, err: err}
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if pendingErr != nil {
		return turns, pendingErr
	}
	return turns, nil
}
