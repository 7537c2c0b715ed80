// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func echoTool(name string) (Definition, Handler) {
	def := Definition{
		Name:        name,
		Description: "echoes its arguments",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}
	handler := func(_ context.Context, _ CallContext, arguments json.RawMessage) (string, bool, error) {
		return name + ": " + string(arguments), false, nil
	}
	return def, handler
}

func newTestRegistry(t *testing.T, names ...string) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, name := range names {
		def, handler := echoTool(name)
		if err := r.Register(def, handler); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	return r
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	def, handler := echoTool("fs.read")

	if err := r.Register(Definition{}, handler); err == nil {
		t.Error("Register with empty name succeeded")
	}
	if err := r.Register(def, nil); err == nil {
		t.Error("Register with nil handler succeeded")
	}
	if err := r.Register(def, handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(def, handler); err == nil {
		t.Error("duplicate Register succeeded")
	}
}

func TestForFiltersByPattern(t *testing.T) {
	r := newTestRegistry(t, "fs.read", "fs.write", "node.exec", "web.fetch")

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{"empty means no tools", nil, nil},
		{"exact name", []string{"node.exec"}, []string{"node.exec"}},
		{"star matches family", []string{"fs.*"}, []string{"fs.read", "fs.write"}},
		{"union of patterns", []string{"fs.read", "web.*"}, []string{"fs.read", "web.fetch"}},
		{"match everything", []string{"*"}, []string{"fs.read", "fs.write", "node.exec", "web.fetch"}},
		{"no match", []string{"browser.*"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := r.For(tt.patterns)
			if err != nil {
				t.Fatalf("For: %v", err)
			}
			defs := set.Definitions()
			if len(defs) != len(tt.want) {
				t.Fatalf("got %d definitions, want %d", len(defs), len(tt.want))
			}
			for i, want := range tt.want {
				if defs[i].Name != want {
					t.Errorf("definitions[%d] = %s, want %s", i, defs[i].Name, want)
				}
			}
		})
	}
}

func TestForRejectsBadPattern(t *testing.T) {
	r := newTestRegistry(t, "fs.read")
	if _, err := r.For([]string{"[unterminated"}); err == nil {
		t.Error("For with malformed pattern succeeded")
	}
}

func TestDefinitionsKeepRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t, "zeta.tool", "alpha.tool", "mid.tool")
	set, err := r.For([]string{"*"})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	defs := set.Definitions()
	want := []string{"zeta.tool", "alpha.tool", "mid.tool"}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("definitions[%d] = %s, want %s", i, defs[i].Name, name)
		}
	}
}

func TestExecuteDispatches(t *testing.T) {
	r := newTestRegistry(t, "fs.read")
	set, err := r.For([]string{"fs.*"})
	if err != nil {
		t.Fatalf("For: %v", err)
	}

	out, isError, err := set.Execute(context.Background(), CallContext{AgentID: "ag-1"}, "fs.read", json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if isError {
		t.Error("Execute reported tool error")
	}
	if out != `fs.read: {"path":"a.txt"}` {
		t.Errorf("Execute output = %q", out)
	}
}

func TestExecuteUnknownAndFilteredLookIdentical(t *testing.T) {
	r := newTestRegistry(t, "fs.read", "node.exec")
	set, err := r.For([]string{"fs.*"})
	if err != nil {
		t.Fatalf("For: %v", err)
	}

	_, _, errUnknown := set.Execute(context.Background(), CallContext{}, "no.such.tool", nil)
	_, _, errFiltered := set.Execute(context.Background(), CallContext{}, "node.exec", nil)

	if !errors.Is(errUnknown, ErrUnknownTool) {
		t.Errorf("unknown tool error = %v, want ErrUnknownTool", errUnknown)
	}
	if !errors.Is(errFiltered, ErrUnknownTool) {
		t.Errorf("filtered tool error = %v, want ErrUnknownTool", errFiltered)
	}
}

func TestExecuteSurfacesToolError(t *testing.T) {
	r := NewRegistry()
	def := Definition{Name: "flaky.tool"}
	err := r.Register(def, func(_ context.Context, _ CallContext, _ json.RawMessage) (string, bool, error) {
		return "disk on fire", true, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	set, err := r.For([]string{"flaky.tool"})
	if err != nil {
		t.Fatalf("For: %v", err)
	}

	out, isError, err := set.Execute(context.Background(), CallContext{}, "flaky.tool", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !isError {
		t.Error("Execute did not report tool error")
	}
	if out != "disk on fire" {
		t.Errorf("Execute output = %q", out)
	}
}

func TestNamesReturnsRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t, "b.tool", "a.tool")
	names := r.Names()
	if fmt.Sprint(names) != "[b.tool a.tool]" {
		t.Errorf("Names = %v", names)
	}
}
