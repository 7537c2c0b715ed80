// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package hook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/audit"
	"github.com/gatehouse-project/gatehouse/lib/clock"
)

// recordingSink collects audit events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (sink *recordingSink) Record(event audit.Event) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.events = append(sink.events, event)
}

func (sink *recordingSink) kinds() []string {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	out := make([]string, len(sink.events))
	for i, event := range sink.events {
		out[i] = event.Kind
	}
	return out
}

func appendingHandler(marker string) IntakeHandler {
	return func(_ context.Context, in Intake) (Intake, error) {
		in.Message += marker
		return in, nil
	}
}

func TestPipelineRunsInRegistrationOrder(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(Config{})

	for _, marker := range []string{"|h1", "|h2", "|h3"} {
		if err := registry.OnIntake("pluginA", "handler"+marker, appendingHandler(marker)); err != nil {
			t.Fatalf("OnIntake: %v", err)
		}
	}

	out := registry.RunIntake(context.Background(), Intake{Message: "x"})
	if out.Message != "x|h1|h2|h3" {
		t.Errorf("Message = %q, want x|h1|h2|h3", out.Message)
	}
}

func TestFailingHandlerIsSkipped(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	registry := NewRegistry(Config{Audit: sink})

	registry.OnIntake("pluginA", "h1", appendingHandler("|h1"))
	registry.OnIntake("pluginA", "h2", func(_ context.Context, in Intake) (Intake, error) {
		return Intake{}, errors.New("boom")
	})
	registry.OnIntake("pluginA", "h3", appendingHandler("|h3"))

	// h3 must see h1's output: the failing h2 passes its input through.
	out := registry.RunIntake(context.Background(), Intake{Message: "x"})
	if out.Message != "x|h1|h3" {
		t.Errorf("Message = %q, want x|h1|h3", out.Message)
	}

	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindHookFailure {
		t.Errorf("audit kinds = %v, want [hook.failure]", kinds)
	}
}

func TestPanickingHandlerIsSkipped(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	registry := NewRegistry(Config{Audit: sink})

	registry.OnIntake("pluginA", "h1", appendingHandler("|h1"))
	registry.OnIntake("pluginA", "h2", func(_ context.Context, in Intake) (Intake, error) {
		panic("handler bug")
	})
	registry.OnIntake("pluginA", "h3", appendingHandler("|h3"))

	// A panicking handler degrades like a failing one: skipped,
	// audited, and the run survives.
	out := registry.RunIntake(context.Background(), Intake{Message: "x"})
	if out.Message != "x|h1|h3" {
		t.Errorf("Message = %q, want x|h1|h3", out.Message)
	}

	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindHookFailure {
		t.Errorf("audit kinds = %v, want [hook.failure]", kinds)
	}
}

func TestHandlerTimeoutIsSkipped(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(time.Unix(1000, 0))
	sink := &recordingSink{}
	registry := NewRegistry(Config{Clock: fakeClock, Audit: sink})

	registry.OnIntake("pluginA", "h1", appendingHandler("|h1"))
	registry.OnIntake("pluginA", "stuck", func(ctx context.Context, in Intake) (Intake, error) {
		<-ctx.Done()
		return Intake{}, ctx.Err()
	})
	registry.OnIntake("pluginA", "h3", appendingHandler("|h3"))

	// Fire the handler timeout once the pipeline parks on it.
	go func() {
		fakeClock.WaitForTimers(1)
		fakeClock.Advance(DefaultHandlerTimeout)
	}()

	out := registry.RunIntake(context.Background(), Intake{Message: "x"})
	if out.Message != "x|h1|h3" {
		t.Errorf("Message = %q, want x|h1|h3", out.Message)
	}
	if kinds := sink.kinds(); len(kinds) != 1 || kinds[0] != audit.KindHookFailure {
		t.Errorf("audit kinds = %v, want [hook.failure]", kinds)
	}
}

func TestPrivilegedPointRejectsUnprivilegedPlugin(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(Config{Privileged: []string{"trusted"}})

	err := registry.OnContextAssembled("random", "peek", func(_ context.Context, in AssembledContext) (AssembledContext, error) {
		return in, nil
	})
	if !errors.Is(err, ErrNotPrivileged) {
		t.Fatalf("err = %v, want ErrNotPrivileged", err)
	}

	err = registry.OnModelResponse("random", "peek", func(_ context.Context, in ModelResponse) (ModelResponse, error) {
		return in, nil
	})
	if !errors.Is(err, ErrNotPrivileged) {
		t.Fatalf("err = %v, want ErrNotPrivileged", err)
	}

	// Granted plugins and the builtin tier register fine.
	if err := registry.OnContextAssembled("trusted", "peek", func(_ context.Context, in AssembledContext) (AssembledContext, error) {
		return in, nil
	}); err != nil {
		t.Errorf("granted plugin rejected: %v", err)
	}
	if err := registry.OnModelResponse(BuiltinPlugin, "peek", func(_ context.Context, in ModelResponse) (ModelResponse, error) {
		return in, nil
	}); err != nil {
		t.Errorf("builtin rejected: %v", err)
	}

	// Unprivileged points accept anyone.
	if err := registry.OnToolResult("random", "scrub", func(_ context.Context, in ToolOutcome) (ToolOutcome, error) {
		return in, nil
	}); err != nil {
		t.Errorf("OnToolResult rejected unprivileged plugin: %v", err)
	}
}

func TestDisablePluginSkipsAtExecution(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	registry := NewRegistry(Config{Audit: sink})

	registry.OnIntake("keeper", "h1", appendingHandler("|keep"))
	registry.OnIntake("noisy", "h2", appendingHandler("|noise"))

	if err := registry.DisablePlugin("noisy"); err != nil {
		t.Fatalf("DisablePlugin: %v", err)
	}
	if !registry.PluginDisabled("noisy") {
		t.Error("PluginDisabled = false after disable")
	}

	out := registry.RunIntake(context.Background(), Intake{Message: "x"})
	if out.Message != "x|keep" {
		t.Errorf("Message = %q, want x|keep", out.Message)
	}

	// The registration record survives, marked disabled.
	infos := registry.Registrations()
	if len(infos) != 2 {
		t.Fatalf("registrations = %d, want 2", len(infos))
	}
	for _, info := range infos {
		if info.Plugin == "noisy" && !info.Disabled {
			t.Error("noisy registration should report disabled")
		}
	}

	if kinds := sink.kinds(); len(kinds) != 1 || kinds[0] != audit.KindPluginDisabled {
		t.Errorf("audit kinds = %v, want [plugin.disabled]", kinds)
	}

	// Disabling again is idempotent and not re-audited.
	if err := registry.DisablePlugin("noisy"); err != nil {
		t.Fatalf("DisablePlugin (again): %v", err)
	}
	if kinds := sink.kinds(); len(kinds) != 1 {
		t.Errorf("audit kinds after repeat disable = %v", kinds)
	}
}

func TestBuiltinPluginCannotBeDisabled(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(Config{})
	if err := registry.DisablePlugin(BuiltinPlugin); err == nil {
		t.Fatal("expected error disabling builtin plugin")
	}
}

func TestRunInfoIsRestoredAfterEachHandler(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(Config{})
	registry.OnIntake("pluginA", "hijack", func(_ context.Context, in Intake) (Intake, error) {
		in.AgentID = "someone-else"
		in.RunID = "other-run"
		in.Message = "rewritten"
		return in, nil
	})

	out := registry.RunIntake(context.Background(), Intake{
		RunInfo: RunInfo{AgentID: "helper", SessionID: "s1", RunID: "r1"},
		Message: "original",
	})

	if out.AgentID != "helper" || out.RunID != "r1" {
		t.Errorf("RunInfo mutated: %+v", out.RunInfo)
	}
	if out.Message != "rewritten" {
		t.Errorf("Message = %q, want rewritten", out.Message)
	}
}

func TestRegistrationValidation(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(Config{})
	if err := registry.OnIntake("", "h", appendingHandler("x")); err == nil {
		t.Error("empty plugin should fail registration")
	}
	if err := registry.OnIntake("p", "", appendingHandler("x")); err == nil {
		t.Error("empty name should fail registration")
	}
	if err := registry.DisablePlugin(""); err == nil {
		t.Error("empty plugin should fail disable")
	}
}

func TestToolResultPipeline(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(Config{})
	registry.OnToolResult("scrubber", "redact", func(_ context.Context, in ToolOutcome) (ToolOutcome, error) {
		if in.Content == "secret data" {
			in.Content = "[redacted]"
		}
		return in, nil
	})

	out := registry.RunToolResult(context.Background(), ToolOutcome{
		CallID:  "call-1",
		Name:    "fs_read",
		Content: "secret data",
	})
	if out.Content != "[redacted]" {
		t.Errorf("Content = %q, want [redacted]", out.Content)
	}
	if out.CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", out.CallID)
	}
}
