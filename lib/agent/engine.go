// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/hook"
	"github.com/gatehouse-project/gatehouse/lib/llm"
	"github.com/gatehouse-project/gatehouse/lib/llm/llmcontext"
	"github.com/gatehouse-project/gatehouse/lib/sessionlock"
	"github.com/gatehouse-project/gatehouse/lib/store"
	"github.com/gatehouse-project/gatehouse/lib/tool"
	"github.com/gatehouse-project/gatehouse/lib/transcript"
	"github.com/gatehouse-project/gatehouse/lib/wire"
	"github.com/gatehouse-project/gatehouse/lib/workspace"
)

// defaultResponseMaxTokens caps one model response when the provider
// requires an explicit limit.
const defaultResponseMaxTokens = 8192

// Sentinel errors for StartRun and Cancel callers.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrRunNotFound   = errors.New("run not found")
)

// Cancellation causes, distinguished at checkpoints via
// context.Cause.
var (
	errCancelRequested = errors.New("run cancelled by request")
	errRunTimeout      = errors.New("run timeout exceeded")
	errShutdown        = errors.New("daemon shutting down")
)

// Publisher fans run events out to the requesting device and any
// other connection entitled to see them. The gateway's event bus
// implements it.
type Publisher interface {
	Publish(deviceID string, name wire.EventName, data any)
}

// Config wires an Engine. Store, Transcripts, Hooks, Tools, and at
// least one provider are required.
type Config struct {
	Store       *store.Store
	Transcripts *transcript.Store

	// Providers maps an agent's configured provider name to its
	// model adapter.
	Providers map[string]llm.Provider

	Hooks *hook.Registry
	Tools *tool.Registry

	// Publisher receives run events. Nil drops them (tests).
	Publisher Publisher

	// WorkspaceRoot is the directory agent workspaces live under.
	// Each agent gets WorkspaceRoot/<WorkspaceDir>, created on first
	// use.
	WorkspaceRoot string

	// Summarizer overrides the compaction model. Nil uses the
	// agent's own provider.
	Summarizer llm.Provider

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine owns the agentic loop. One Engine serves every agent; runs
// are serialized per session by the lock manager and otherwise
// proceed concurrently.
type Engine struct {
	store       *store.Store
	transcripts *transcript.Store
	providers   map[string]llm.Provider
	hooks       *hook.Registry
	tools       *tool.Registry
	publisher   Publisher
	root        string
	summarizer  llm.Provider
	clk         clock.Clock
	logger      *slog.Logger

	locks *sessionlock.Manager

	mu         sync.Mutex
	active     map[string]context.CancelCauseFunc
	estimators map[string]llmcontext.TokenEstimator
	guards     map[string]*workspace.Guard

	wg sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("agent: engine config: Store is required")
	}
	if cfg.Transcripts == nil {
		return nil, fmt.Errorf("agent: engine config: Transcripts is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("agent: engine config: at least one provider is required")
	}
	if cfg.Hooks == nil {
		return nil, fmt.Errorf("agent: engine config: Hooks is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("agent: engine config: Tools is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:       cfg.Store,
		transcripts: cfg.Transcripts,
		providers:   cfg.Providers,
		hooks:       cfg.Hooks,
		tools:       cfg.Tools,
		publisher:   cfg.Publisher,
		root:        cfg.WorkspaceRoot,
		summarizer:  cfg.Summarizer,
		clk:         cfg.Clock,
		logger:      cfg.Logger,
		locks:       sessionlock.NewManager(),
		active:      make(map[string]context.CancelCauseFunc),
		estimators:  make(map[string]llmcontext.TokenEstimator),
		guards:      make(map[string]*workspace.Guard),
	}, nil
}

// Request describes one loop invocation. Provider, ChannelID, and
// SenderID carry the messaging origin into the onIntake hook; runs
// started by agent.run use provider "rpc".
type Request struct {
	AgentID   string
	SessionID string
	DeviceID  string
	Provider  string
	ChannelID string
	SenderID  string
	Message   string
}

// StartRun validates the request, records the run row, and launches
// the loop in the background. The returned run id is live
// immediately: Cancel works from the moment StartRun returns, and the
// run's output arrives as events.
func (e *Engine) StartRun(ctx context.Context, req Request) (string, error) {
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	if err := transcript.ValidID(req.SessionID); err != nil {
		return "", fmt.Errorf("agent: session id: %w", err)
	}

	cfg, ok, err := e.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("agent: %s: %w", req.AgentID, ErrAgentNotFound)
	}
	cfg = cfg.Normalize()
	if _, ok := e.providers[cfg.Provider]; !ok {
		return "", fmt.Errorf("agent: %s: provider %q is not configured", cfg.ID, cfg.Provider)
	}

	runID := "run-" + uuid.NewString()
	if err := e.store.CreateRun(ctx, runID, cfg.ID, req.SessionID, req.DeviceID); err != nil {
		return "", err
	}

	// The run outlives the RPC that started it, so it detaches from
	// the caller's context. Its lifetime is bounded by the agent's
	// run timeout and by Cancel/Shutdown.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.active[runID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.dropActive(runID)
		e.watchTimeout(runCtx, cancel, time.Duration(cfg.RunTimeoutSec)*time.Second)
		e.run(runCtx, cfg, req, runID)
	}()
	return runID, nil
}

// Cancel requests cooperative cancellation of a run. The run stops at
// its next checkpoint. Cancelling a finished run is a no-op that
// reports the terminal state; an unknown run id fails with
// ErrRunNotFound.
func (e *Engine) Cancel(ctx context.Context, runID string) (store.RunState, error) {
	e.mu.Lock()
	cancel, running := e.active[runID]
	e.mu.Unlock()
	if running {
		cancel(errCancelRequested)
		return store.RunRunning, nil
	}

	run, ok, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("agent: %s: %w", runID, ErrRunNotFound)
	}
	return run.State, nil
}

// ActiveRuns reports how many runs are currently executing.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown cancels every active run and waits for the loops to drain
// or the context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.active {
		cancel(errShutdown)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) dropActive(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

// watchTimeout cancels the run when its wall-clock budget runs out.
// The goroutine exits with the run either way.
func (e *Engine) watchTimeout(ctx context.Context, cancel context.CancelCauseFunc, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	go func() {
		select {
		case <-e.clk.After(timeout):
			cancel(errRunTimeout)
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) publish(deviceID string, name wire.EventName, data any) {
	if e.publisher != nil {
		e.publisher.Publish(deviceID, name, data)
	}
}

// estimatorFor returns the shared token estimator for a model.
// Estimators carry calibration state, so every run of the same model
// uses the same instance.
func (e *Engine) estimatorFor(model string) llmcontext.TokenEstimator {
	e.mu.Lock()
	defer e.mu.Unlock()
	est, ok := e.estimators[model]
	if !ok {
		est = llmcontext.NewEstimator(model)
		e.estimators[model] = est
	}
	return est
}

// guardFor returns the agent's workspace guard, creating the
// workspace directory on first use.
func (e *Engine) guardFor(cfg store.AgentConfig) (*workspace.Guard, error) {
	e.mu.Lock()
	guard, ok := e.guards[cfg.ID]
	e.mu.Unlock()
	if ok {
		return guard, nil
	}

	if e.root == "" {
		return nil, nil
	}
	dir := filepath.Join(e.root, cfg.WorkspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("agent: creating workspace for %s: %w", cfg.ID, err)
	}
	guard, err := workspace.NewGuard(workspace.GuardConfig{Root: dir, Logger: e.logger})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing, ok := e.guards[cfg.ID]; ok {
		guard = existing
	} else {
		e.guards[cfg.ID] = guard
	}
	e.mu.Unlock()
	return guard, nil
}

// assemblerFor builds the context assembler for one run. The
// estimator is shared per model; the summarizer defaults to the
// agent's own provider.
func (e *Engine) assemblerFor(cfg store.AgentConfig, guard *workspace.Guard) (*llmcontext.Assembler, error) {
	summarizer := e.summarizer
	if summarizer == nil {
		summarizer = e.providers[cfg.Provider]
	}
	return llmcontext.NewAssembler(llmcontext.Config{
		Summarizer:  summarizer,
		Compactions: e.store,
		Workspace:   guard,
		Estimator:   e.estimatorFor(cfg.Model),
		Clock:       e.clk,
		Logger:      e.logger,
	})
}
