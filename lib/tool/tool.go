// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"

	"github.com/gatehouse-project/gatehouse/lib/llm"
	"github.com/gatehouse-project/gatehouse/lib/workspace"
)

// ErrUnknownTool is returned by Execute when the named tool is not
// registered or not visible to the calling agent.
var ErrUnknownTool = errors.New("unknown tool")

// Definition describes one callable tool: its wire name, a
// human-readable description the model reads, and the JSON Schema of
// its arguments.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CallContext identifies the run a tool call belongs to and carries
// the agent's workspace guard. Handlers that touch files must go
// through the guard; it is the only sanctioned path out of the
// process and it refuses escapes from the agent's workspace.
type CallContext struct {
	AgentID   string
	SessionID string
	RunID     string
	Workspace *workspace.Guard
}

// Handler executes one tool call. A non-nil error means the call
// could not be attempted (infrastructure failure); a failed execution
// returns isError=true with the failure text in output so the model
// sees it as a tool-error result.
type Handler func(ctx context.Context, call CallContext, arguments json.RawMessage) (output string, isError bool, err error)

type entry struct {
	def     Definition
	handler Handler
}

// Registry holds every tool the daemon knows about. Populate it at
// startup and hand agent-scoped views to the loop via For; the
// registry itself is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool. Names are unique; registering a name twice is
// a wiring bug and fails loudly.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return errors.New("tool: definition has no name")
	}
	if handler == nil {
		return fmt.Errorf("tool: %s has a nil handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("tool: %s registered twice", def.Name)
	}
	r.entries[def.Name] = &entry{def: def, handler: handler}
	r.order = append(r.order, def.Name)
	return nil
}

// Names returns every registered tool name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// For builds the agent-scoped view of the registry: only tools whose
// names match one of the agent's enabled-tool patterns are visible or
// callable through it. Patterns are globs ("fs.*", "node.exec"); an
// empty pattern list yields a view with no tools, which is the
// default posture for an agent that declares none.
func (r *Registry) For(patterns []string) (*Set, error) {
	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("tool: enabled-tools pattern %q: %w", p, err)
		}
		matchers = append(matchers, g)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	set := &Set{entries: make(map[string]*entry)}
	for _, name := range r.order {
		for _, m := range matchers {
			if m.Match(name) {
				set.entries[name] = r.entries[name]
				set.order = append(set.order, name)
				break
			}
		}
	}
	return set, nil
}

// Set is a per-agent slice of the registry. It is immutable once
// built and safe for concurrent use.
type Set struct {
	entries map[string]*entry
	order   []string
}

// Definitions exports the visible tools in registration order, ready
// to attach to a model request.
func (s *Set) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		d := s.entries[name].def
		defs = append(defs, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return defs
}

// Len reports how many tools the set exposes.
func (s *Set) Len() int { return len(s.order) }

// Execute dispatches one tool call. Calling a tool outside the set —
// unregistered or filtered out by the agent's patterns — fails with
// ErrUnknownTool; the two cases are indistinguishable on purpose, an
// agent has no business learning which tools exist beyond its grant.
func (s *Set) Execute(ctx context.Context, call CallContext, name string, arguments json.RawMessage) (string, bool, error) {
	e, ok := s.entries[name]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.handler(ctx, call, arguments)
}
