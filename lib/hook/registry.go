// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/audit"
	"github.com/gatehouse-project/gatehouse/lib/clock"
)

// DefaultHandlerTimeout bounds one handler invocation.
const DefaultHandlerTimeout = 5 * time.Second

// ErrNotPrivileged is returned when a plugin without the privileged
// tier registers at a privileged point.
var ErrNotPrivileged = errors.New("hook: point requires the privileged tier")

// Recorder receives audit events for handler failures and plugin
// disabling. *audit.Sink satisfies it.
type Recorder interface {
	Record(event audit.Event)
}

// Config wires a Registry.
type Config struct {
	// Privileged lists plugin names granted access to the privileged
	// points. BuiltinPlugin is always granted.
	Privileged []string

	// HandlerTimeout bounds one handler invocation. Zero means
	// DefaultHandlerTimeout.
	HandlerTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
	Audit  Recorder
}

// registration is one immutable handler record. Disabling a plugin
// never removes its registrations; they are skipped at execution.
type registration[T any] struct {
	plugin string
	name   string
	fn     func(ctx context.Context, in T) (T, error)
}

// Registry holds hook registrations and runs the per-point pipelines.
// Registration and execution are safe for concurrent use.
type Registry struct {
	timeout    time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	audit      Recorder
	privileged map[string]bool

	mu               sync.RWMutex
	disabled         map[string]bool
	intake           []registration[Intake]
	contextAssembled []registration[AssembledContext]
	modelResponse    []registration[ModelResponse]
	toolResult       []registration[ToolOutcome]
	turnComplete     []registration[TurnOutcome]
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	privileged := map[string]bool{BuiltinPlugin: true}
	for _, plugin := range cfg.Privileged {
		privileged[plugin] = true
	}
	return &Registry{
		timeout:    cfg.HandlerTimeout,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		audit:      cfg.Audit,
		privileged: privileged,
		disabled:   make(map[string]bool),
	}
}

// checkRegistration validates the common registration fields.
func (r *Registry) checkRegistration(point Point, plugin, name string) error {
	if plugin == "" || name == "" {
		return fmt.Errorf("hook: registering at %s: plugin and name are required", point)
	}
	if point.Privileged() && !r.privileged[plugin] {
		return fmt.Errorf("hook: registering %s/%s at %s: %w", plugin, name, point, ErrNotPrivileged)
	}
	return nil
}

// OnIntake registers a handler at onIntake.
func (r *Registry) OnIntake(plugin, name string, fn IntakeHandler) error {
	if err := r.checkRegistration(PointIntake, plugin, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intake = append(r.intake, registration[Intake]{plugin, name, fn})
	return nil
}

// OnContextAssembled registers a handler at onContextAssembled.
// Privileged.
func (r *Registry) OnContextAssembled(plugin, name string, fn ContextHandler) error {
	if err := r.checkRegistration(PointContextAssembled, plugin, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contextAssembled = append(r.contextAssembled, registration[AssembledContext]{plugin, name, fn})
	return nil
}

// OnModelResponse registers a handler at onModelResponse. Privileged.
func (r *Registry) OnModelResponse(plugin, name string, fn ResponseHandler) error {
	if err := r.checkRegistration(PointModelResponse, plugin, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelResponse = append(r.modelResponse, registration[ModelResponse]{plugin, name, fn})
	return nil
}

// OnToolResult registers a handler at onToolResult.
func (r *Registry) OnToolResult(plugin, name string, fn ToolResultHandler) error {
	if err := r.checkRegistration(PointToolResult, plugin, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolResult = append(r.toolResult, registration[ToolOutcome]{plugin, name, fn})
	return nil
}

// OnTurnComplete registers a handler at onTurnComplete.
func (r *Registry) OnTurnComplete(plugin, name string, fn TurnCompleteHandler) error {
	if err := r.checkRegistration(PointTurnComplete, plugin, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnComplete = append(r.turnComplete, registration[TurnOutcome]{plugin, name, fn})
	return nil
}

// DisablePlugin deactivates every registration of the plugin. The
// registrations stay on record and are skipped at execution time.
// The builtin plugin cannot be disabled.
func (r *Registry) DisablePlugin(plugin string) error {
	if plugin == "" {
		return fmt.Errorf("hook: disable: plugin name is required")
	}
	if plugin == BuiltinPlugin {
		return fmt.Errorf("hook: disable: the %s plugin cannot be disabled", BuiltinPlugin)
	}

	r.mu.Lock()
	already := r.disabled[plugin]
	r.disabled[plugin] = true
	r.mu.Unlock()

	if !already {
		r.logger.Info("plugin disabled", "plugin", plugin)
		if r.audit != nil {
			r.audit.Record(audit.Event{
				Kind:   audit.KindPluginDisabled,
				Detail: map[string]any{"plugin": plugin},
			})
		}
	}
	return nil
}

// PluginDisabled reports whether a plugin has been disabled.
func (r *Registry) PluginDisabled(plugin string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[plugin]
}

// Info describes one registration for status reporting.
type Info struct {
	Point    Point  `json:"point"`
	Plugin   string `json:"plugin"`
	Name     string `json:"name"`
	Disabled bool   `json:"disabled"`
}

// Registrations lists all registrations in point-then-registration
// order.
func (r *Registry) Registrations() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []Info
	appendInfos := func(point Point, plugins []string, names []string) {
		for i := range plugins {
			infos = append(infos, Info{
				Point:    point,
				Plugin:   plugins[i],
				Name:     names[i],
				Disabled: r.disabled[plugins[i]],
			})
		}
	}
	appendInfos(PointIntake, plugins(r.intake), names(r.intake))
	appendInfos(PointContextAssembled, plugins(r.contextAssembled), names(r.contextAssembled))
	appendInfos(PointModelResponse, plugins(r.modelResponse), names(r.modelResponse))
	appendInfos(PointToolResult, plugins(r.toolResult), names(r.toolResult))
	appendInfos(PointTurnComplete, plugins(r.turnComplete), names(r.turnComplete))
	return infos
}

func plugins[T any](regs []registration[T]) []string {
	out := make([]string, len(regs))
	for i := range regs {
		out[i] = regs[i].plugin
	}
	return out
}

func names[T any](regs []registration[T]) []string {
	out := make([]string, len(regs))
	for i := range regs {
		out[i] = regs[i].name
	}
	return out
}

// RunIntake applies the onIntake pipeline.
func (r *Registry) RunIntake(ctx context.Context, in Intake) Intake {
	r.mu.RLock()
	regs := r.intake
	r.mu.RUnlock()
	info := in.RunInfo
	return runPoint(r, ctx, PointIntake, regs, in, func(v Intake) Intake {
		v.RunInfo = info
		return v
	})
}

// RunContextAssembled applies the onContextAssembled pipeline.
func (r *Registry) RunContextAssembled(ctx context.Context, in AssembledContext) AssembledContext {
	r.mu.RLock()
	regs := r.contextAssembled
	r.mu.RUnlock()
	info := in.RunInfo
	return runPoint(r, ctx, PointContextAssembled, regs, in, func(v AssembledContext) AssembledContext {
		v.RunInfo = info
		return v
	})
}

// RunModelResponse applies the onModelResponse pipeline.
func (r *Registry) RunModelResponse(ctx context.Context, in ModelResponse) ModelResponse {
	r.mu.RLock()
	regs := r.modelResponse
	r.mu.RUnlock()
	info := in.RunInfo
	return runPoint(r, ctx, PointModelResponse, regs, in, func(v ModelResponse) ModelResponse {
		v.RunInfo = info
		return v
	})
}

// RunToolResult applies the onToolResult pipeline.
func (r *Registry) RunToolResult(ctx context.Context, in ToolOutcome) ToolOutcome {
	r.mu.RLock()
	regs := r.toolResult
	r.mu.RUnlock()
	info := in.RunInfo
	return runPoint(r, ctx, PointToolResult, regs, in, func(v ToolOutcome) ToolOutcome {
		v.RunInfo = info
		return v
	})
}

// RunTurnComplete applies the onTurnComplete pipeline.
func (r *Registry) RunTurnComplete(ctx context.Context, in TurnOutcome) TurnOutcome {
	r.mu.RLock()
	regs := r.turnComplete
	r.mu.RUnlock()
	info := in.RunInfo
	return runPoint(r, ctx, PointTurnComplete, regs, in, func(v TurnOutcome) TurnOutcome {
		v.RunInfo = info
		return v
	})
}

// runPoint threads the payload through the point's handlers in
// registration order. A failing or timed-out handler is skipped: its
// input flows on unchanged. restore pins the read-only identity
// fields after every handler.
func runPoint[T any](r *Registry, ctx context.Context, point Point, regs []registration[T], input T, restore func(T) T) T {
	for _, reg := range regs {
		if r.PluginDisabled(reg.plugin) {
			continue
		}

		output, err := invokeHandler(r, ctx, reg, input)
		if err != nil {
			r.logger.Warn("hook handler failed",
				"point", string(point),
				"plugin", reg.plugin,
				"handler", reg.name,
				"error", err,
			)
			if r.audit != nil {
				r.audit.Record(audit.Event{
					Kind: audit.KindHookFailure,
					Detail: map[string]any{
						"point":   string(point),
						"plugin":  reg.plugin,
						"handler": reg.name,
						"error":   err.Error(),
					},
				})
			}
			continue
		}
		input = restore(output)
	}
	return input
}

// invokeHandler runs one handler under the per-handler timeout. The
// handler goroutine is abandoned on timeout — its context is
// cancelled and its eventual result discarded.
func invokeHandler[T any](r *Registry, ctx context.Context, reg registration[T], input T) (T, error) {
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		output T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				var zero T
				done <- outcome{zero, fmt.Errorf("panic: %v", v)}
			}
		}()
		output, err := reg.fn(handlerCtx, input)
		done <- outcome{output, err}
	}()

	var zero T
	select {
	case result := <-done:
		return result.output, result.err
	case <-r.clock.After(r.timeout):
		return zero, fmt.Errorf("timed out after %s", r.timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
