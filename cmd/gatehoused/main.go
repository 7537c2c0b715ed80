// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Command gatehoused is the gateway daemon: it opens the device
// database, seeds the agent catalog, unseals provider keys, and serves
// the frame protocol until signalled.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/agent"
	"github.com/gatehouse-project/gatehouse/lib/audit"
	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/config"
	"github.com/gatehouse-project/gatehouse/lib/gateway"
	"github.com/gatehouse-project/gatehouse/lib/hook"
	"github.com/gatehouse-project/gatehouse/lib/llm"
	"github.com/gatehouse-project/gatehouse/lib/sealed"
	"github.com/gatehouse-project/gatehouse/lib/store"
	"github.com/gatehouse-project/gatehouse/lib/tool"
	"github.com/gatehouse-project/gatehouse/lib/transcript"
	"github.com/gatehouse-project/gatehouse/lib/version"
)

// shutdownGrace bounds the run drain after the listener stops
// accepting.
const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to gatehouse.yaml (overrides GATEHOUSE_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("gatehoused %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing data directories: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	st, err := store.Open(store.Config{
		Path:   cfg.Paths.Database,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	// A run that was in flight when the previous process died can
	// never complete; mark it errored before serving.
	recovered, err := st.RecoverDanglingRuns(ctx)
	if err != nil {
		return fmt.Errorf("recovering dangling runs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("recovered dangling runs from previous process", "count", recovered)
	}

	if err := seedCatalog(ctx, cfg, st, logger); err != nil {
		return err
	}

	secrets, err := sealed.LoadSecrets(cfg.Paths.Secrets, cfg.Paths.Identity)
	if err != nil {
		return fmt.Errorf("loading sealed secrets: %w", err)
	}
	defer secrets.Close()

	providers, err := buildProviders(cfg, secrets)
	if err != nil {
		return err
	}

	sink, err := audit.Open(audit.Config{
		Path:   cfg.Paths.Audit,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer sink.Close()

	hooks := hook.NewRegistry(hook.Config{
		Clock:  clk,
		Logger: logger,
		Audit:  sink,
	})

	// The engine publishes run events through the gateway, and the
	// gateway dispatches RPCs into the engine. The bridge breaks the
	// construction cycle: the engine holds it from birth, the gateway
	// is installed into it once built.
	bridge := &gatewayBridge{}

	tools := tool.NewRegistry()
	if err := tool.RegisterBuiltins(tools, bridge); err != nil {
		return fmt.Errorf("registering built-in tools: %w", err)
	}

	engine, err := agent.New(agent.Config{
		Store:         st,
		Transcripts:   transcript.NewStore(cfg.Paths.Transcripts, logger),
		Providers:     providers,
		Hooks:         hooks,
		Tools:         tools,
		Publisher:     bridge,
		WorkspaceRoot: cfg.Paths.Workspaces,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	tlsConfig, err := listenerTLS(cfg)
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		Address:           cfg.Listen.Address,
		TLS:               tlsConfig,
		AllowedOrigins:    cfg.Listen.AllowedOrigins,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		MaxFrameBytes:     int64(cfg.Listen.MaxFrameBytes),
		RatePerSec:        cfg.Limits.RatePerSec,
		RateBurst:         cfg.Limits.RateBurst,
		EventQueueSize:    cfg.Limits.EventQueueSize,
		TimestampWindow:   cfg.TimestampWindow(),
		IdempotencyTTL:    cfg.IdempotencyTTL(),
		PurgeInterval:     cfg.PurgeInterval(),
		ServerVersion:     version.Short(),
		Store:             st,
		Engine:            engine,
		Hooks:             hooks,
		Audit:             sink,
		Clock:             clk,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	bridge.install(gw)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- gw.Serve(ctx)
	}()
	<-gw.Ready()

	logger.Info("gatehoused running",
		"version", version.Info(),
		"address", gw.Addr(),
		"tls", tlsConfig != nil,
		"providers", len(providers),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// Drain in-flight runs with a fresh context; the signal context is
	// already cancelled.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()
	if err := engine.Shutdown(drainCtx); err != nil {
		logger.Error("engine drain incomplete", "error", err)
	}

	if err := <-serveDone; err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// seedCatalog syncs the agent catalog file into the store. A missing
// file is not an error: agents can be added later and re-synced by
// restarting.
func seedCatalog(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	catalog, err := store.LoadCatalog(cfg.Paths.Catalog)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no agent catalog file; starting with the stored catalog", "path", cfg.Paths.Catalog)
		return nil
	}
	if err != nil {
		return err
	}
	if err := st.SyncCatalog(ctx, catalog); err != nil {
		return err
	}
	logger.Info("agent catalog synced",
		"path", cfg.Paths.Catalog,
		"agents", len(catalog.Agents),
		"bindings", len(catalog.Bindings),
	)
	return nil
}

// buildProviders constructs one LLM adapter per configured provider,
// pulling each API key out of the sealed secrets document.
func buildProviders(cfg *config.Config, secrets *sealed.Secrets) (map[string]llm.Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured; at least one is required to serve agents")
	}
	providers := make(map[string]llm.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		key, ok := secrets.Retrieve(pc.APIKeySecret)
		if !ok {
			return nil, fmt.Errorf("providers.%s: secret %q not found in %s", name, pc.APIKeySecret, cfg.Paths.Secrets)
		}
		switch pc.Type {
		case "anthropic":
			providers[name] = llm.NewAnthropic(http.DefaultClient, pc.BaseURL, key.String())
		case "openai":
			providers[name] = llm.NewOpenAI(http.DefaultClient, pc.BaseURL, key.String())
		default:
			return nil, fmt.Errorf("providers.%s: unknown type %q", name, pc.Type)
		}
	}
	return providers, nil
}

// listenerTLS builds the listener's TLS config, or nil for the
// insecure development listener.
func listenerTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.Listen.Insecure {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("loading listener certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
