// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func testAgent(id string) AgentConfig {
	return AgentConfig{
		ID:           id,
		SystemPrompt: "You are a helpful assistant.",
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-5",
	}
}

func TestAgentConfigNormalizeDefaults(t *testing.T) {
	cfg := testAgent("helper").Normalize()

	if cfg.MaxContextTokens != DefaultMaxContextTokens {
		t.Errorf("MaxContextTokens = %d", cfg.MaxContextTokens)
	}
	if cfg.CompactionThreshold != DefaultCompactionThreshold {
		t.Errorf("CompactionThreshold = %v", cfg.CompactionThreshold)
	}
	if cfg.RecentTurnsToKeep != DefaultRecentTurnsToKeep {
		t.Errorf("RecentTurnsToKeep = %d", cfg.RecentTurnsToKeep)
	}
	if cfg.SessionMode != SessionPerSender {
		t.Errorf("SessionMode = %q", cfg.SessionMode)
	}
	if cfg.WorkspaceDir != "helper" {
		t.Errorf("WorkspaceDir = %q, want agent id", cfg.WorkspaceDir)
	}

	// Explicit settings are not clobbered.
	custom := testAgent("helper")
	custom.MaxIterations = 3
	custom.WorkspaceDir = "shared-workspace"
	custom = custom.Normalize()
	if custom.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", custom.MaxIterations)
	}
	if custom.WorkspaceDir != "shared-workspace" {
		t.Errorf("WorkspaceDir = %q", custom.WorkspaceDir)
	}
}

func TestAgentConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AgentConfig)
		valid  bool
	}{
		{"well-formed", func(c *AgentConfig) {}, true},
		{"empty id", func(c *AgentConfig) { c.ID = "" }, false},
		{"path traversal id", func(c *AgentConfig) { c.ID = "../escape" }, false},
		{"slash in id", func(c *AgentConfig) { c.ID = "a/b" }, false},
		{"dotfile id", func(c *AgentConfig) { c.ID = ".hidden" }, false},
		{"missing provider", func(c *AgentConfig) { c.Provider = "" }, false},
		{"missing model", func(c *AgentConfig) { c.Model = "" }, false},
		{"threshold too high", func(c *AgentConfig) { c.CompactionThreshold = 1.0 }, false},
		{"bad session mode", func(c *AgentConfig) { c.SessionMode = "global" }, false},
		{"shared session mode", func(c *AgentConfig) { c.SessionMode = SessionShared }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testAgent("helper")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestUpsertAndGetAgent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	cfg := testAgent("helper")
	cfg.EnabledTools = []string{"fs.*", "node.exec"}
	if err := store.UpsertAgent(ctx, cfg); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	got, found, err := store.GetAgent(ctx, "helper")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if !found {
		t.Fatal("agent not found")
	}
	// Stored configs are normalized.
	if got.MaxContextTokens != DefaultMaxContextTokens {
		t.Errorf("stored config not normalized: MaxContextTokens = %d", got.MaxContextTokens)
	}
	if len(got.EnabledTools) != 2 || got.EnabledTools[0] != "fs.*" {
		t.Errorf("EnabledTools = %v", got.EnabledTools)
	}

	// Upsert replaces.
	cfg.Model = "claude-opus-4-5"
	if err := store.UpsertAgent(ctx, cfg); err != nil {
		t.Fatalf("UpsertAgent update: %v", err)
	}
	got, _, err = store.GetAgent(ctx, "helper")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Model != "claude-opus-4-5" {
		t.Errorf("Model = %q after upsert", got.Model)
	}
}

func TestLoadCatalogParsesJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.jsonc")
	content := `{
	// The main assistant.
	"agents": [
		{
			"id": "helper",
			"system_prompt": "Be brief.",
			"provider": "anthropic",
			"model": "claude-sonnet-4-5",
			"enabled_tools": ["fs.read"], // trailing comma below is fine
		},
	],
	"bindings": [
		{"agent_id": "helper", "provider": "webchat"},
	],
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(catalog.Agents) != 1 || catalog.Agents[0].ID != "helper" {
		t.Fatalf("agents = %+v", catalog.Agents)
	}
	if len(catalog.Bindings) != 1 || catalog.Bindings[0].Provider != "webchat" {
		t.Fatalf("bindings = %+v", catalog.Bindings)
	}
}

func TestLoadCatalogRejectsUnknownFieldsAndDanglingBindings(t *testing.T) {
	dir := t.TempDir()

	typo := filepath.Join(dir, "typo.jsonc")
	if err := os.WriteFile(typo, []byte(`{"agents": [{"id": "a", "provider": "p", "model": "m", "sytem_prompt": "x"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(typo); err == nil {
		t.Error("misspelled field accepted")
	}

	dangling := filepath.Join(dir, "dangling.jsonc")
	if err := os.WriteFile(dangling, []byte(`{"agents": [{"id": "a", "provider": "p", "model": "m"}], "bindings": [{"agent_id": "ghost", "provider": "webchat"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(dangling); err == nil {
		t.Error("binding to unknown agent accepted")
	}

	duplicate := filepath.Join(dir, "dup.jsonc")
	if err := os.WriteFile(duplicate, []byte(`{"agents": [{"id": "a", "provider": "p", "model": "m"}, {"id": "a", "provider": "p", "model": "m"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(duplicate); err == nil {
		t.Error("duplicate agent id accepted")
	}
}

func TestSyncCatalogReplacesState(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := Catalog{
		Agents: []AgentConfig{testAgent("helper"), testAgent("reviewer")},
		Bindings: []Binding{
			{AgentID: "helper", Provider: "webchat"},
			{AgentID: "reviewer", Provider: "webchat", ChannelID: "code"},
		},
	}
	if err := store.SyncCatalog(ctx, first); err != nil {
		t.Fatalf("SyncCatalog: %v", err)
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(agents))
	}

	// Second sync drops "reviewer" and rebinds.
	second := Catalog{
		Agents:   []AgentConfig{testAgent("helper")},
		Bindings: []Binding{{AgentID: "helper", Provider: "irc"}},
	}
	if err := store.SyncCatalog(ctx, second); err != nil {
		t.Fatalf("SyncCatalog second: %v", err)
	}

	if _, found, err := store.GetAgent(ctx, "reviewer"); err != nil || found {
		t.Errorf("stale agent survived sync: found=%v err=%v", found, err)
	}
	bindings, err := store.ListBindings(ctx, "")
	if err != nil {
		t.Fatalf("ListBindings: %v", err)
	}
	if len(bindings) != 1 || bindings[0].Provider != "irc" {
		t.Errorf("bindings after sync = %+v", bindings)
	}
}

func TestListBindingsNewestFirst(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	catalog := Catalog{
		Agents: []AgentConfig{testAgent("a"), testAgent("b")},
		Bindings: []Binding{
			{AgentID: "a", Provider: "webchat"},
			{AgentID: "b", Provider: "webchat"},
			{AgentID: "a", Provider: "irc"},
		},
	}
	if err := store.SyncCatalog(ctx, catalog); err != nil {
		t.Fatalf("SyncCatalog: %v", err)
	}

	webchat, err := store.ListBindings(ctx, "webchat")
	if err != nil {
		t.Fatalf("ListBindings: %v", err)
	}
	if len(webchat) != 2 {
		t.Fatalf("got %d webchat bindings, want 2", len(webchat))
	}
	// Later catalog entries are newer and come first.
	if webchat[0].AgentID != "b" || webchat[1].AgentID != "a" {
		t.Errorf("order = [%s, %s], want [b, a]", webchat[0].AgentID, webchat[1].AgentID)
	}
}
