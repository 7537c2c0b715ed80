// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"strings"
	"testing"

	"github.com/gatehouse-project/gatehouse/lib/store"
)

func TestResolveAgentSpecificity(t *testing.T) {
	// Newest first, as ListBindings returns them.
	bindings := []store.Binding{
		{ID: 4, AgentID: "vip-agent", Provider: "webchat", ChannelID: "support", SenderID: "alice"},
		{ID: 3, AgentID: "support-agent", Provider: "webchat", ChannelID: "support"},
		{ID: 2, AgentID: "alice-agent", Provider: "webchat", SenderID: "alice"},
		{ID: 1, AgentID: "fallback", Provider: "webchat"},
	}

	tests := []struct {
		name            string
		channel, sender string
		wantAgent       string
	}{
		{"channel and sender beat everything", "support", "alice", "vip-agent"},
		{"channel beats sender", "support", "bob", "support-agent"},
		{"sender binding without channel match", "random", "alice", "alice-agent"},
		{"default binding catches the rest", "random", "bob", "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveAgent(bindings, "webchat", tt.channel, tt.sender)
			if !ok {
				t.Fatal("no binding resolved")
			}
			if got.AgentID != tt.wantAgent {
				t.Errorf("agent = %s, want %s", got.AgentID, tt.wantAgent)
			}
		})
	}
}

func TestResolveAgentProviderIsExact(t *testing.T) {
	bindings := []store.Binding{
		{ID: 1, AgentID: "a", Provider: "webchat"},
	}
	if _, ok := ResolveAgent(bindings, "irc", "", ""); ok {
		t.Error("binding matched across providers")
	}
	if _, ok := ResolveAgent(nil, "webchat", "c", "s"); ok {
		t.Error("resolved with no bindings")
	}
}

func TestResolveAgentTieBreaks(t *testing.T) {
	// Two channel-scoped bindings on the same channel: priority wins.
	byPriority := []store.Binding{
		{ID: 2, AgentID: "low", Provider: "webchat", ChannelID: "dev", Priority: 1},
		{ID: 1, AgentID: "high", Provider: "webchat", ChannelID: "dev", Priority: 5},
	}
	got, _ := ResolveAgent(byPriority, "webchat", "dev", "bob")
	if got.AgentID != "high" {
		t.Errorf("priority tiebreak picked %s", got.AgentID)
	}

	// Equal priority: the newer binding (earlier in the slice) wins.
	byRecency := []store.Binding{
		{ID: 2, AgentID: "newer", Provider: "webchat", ChannelID: "dev", Priority: 1},
		{ID: 1, AgentID: "older", Provider: "webchat", ChannelID: "dev", Priority: 1},
	}
	got, _ = ResolveAgent(byRecency, "webchat", "dev", "bob")
	if got.AgentID != "newer" {
		t.Errorf("recency tiebreak picked %s", got.AgentID)
	}

	// Priority never overrides specificity.
	bySpecificity := []store.Binding{
		{ID: 2, AgentID: "specific", Provider: "webchat", ChannelID: "dev", SenderID: "bob", Priority: 0},
		{ID: 1, AgentID: "broad", Provider: "webchat", Priority: 100},
	}
	got, _ = ResolveAgent(bySpecificity, "webchat", "dev", "bob")
	if got.AgentID != "specific" {
		t.Errorf("specificity lost to priority: %s", got.AgentID)
	}
}

func TestSessionIDModes(t *testing.T) {
	perSender := SessionID(store.SessionPerSender, "webchat", "support", "alice")
	shared := SessionID(store.SessionShared, "webchat", "support", "alice")

	if perSender == shared {
		t.Error("per-sender and shared sessions collide")
	}
	if !strings.Contains(perSender, "alice") {
		t.Errorf("per-sender id %q drops the sender", perSender)
	}
	if strings.Contains(shared, "alice") {
		t.Errorf("shared id %q keeps the sender", shared)
	}

	// Same inputs, same session.
	if again := SessionID(store.SessionPerSender, "webchat", "support", "alice"); again != perSender {
		t.Errorf("derivation not deterministic: %q vs %q", again, perSender)
	}

	if got := SessionID(store.SessionPerSender, "", "", ""); got != "default" {
		t.Errorf("empty scope = %q, want default", got)
	}
}

func TestSafeComponent(t *testing.T) {
	if got := SafeComponent("alice_01"); got != "alice_01" {
		t.Errorf("safe input rewritten to %q", got)
	}

	// Unsafe inputs are cleaned but stay distinct.
	a := SafeComponent("@alice:matrix.org")
	b := SafeComponent("@alice/matrix.org")
	if a == b {
		t.Errorf("distinct identifiers collide: %q", a)
	}
	for _, out := range []string{a, b} {
		if strings.ContainsAny(out, `/\:@`) {
			t.Errorf("unsafe characters survive in %q", out)
		}
		if strings.HasPrefix(out, ".") {
			t.Errorf("leading dot survives in %q", out)
		}
	}

	// Deterministic.
	if again := SafeComponent("@alice:matrix.org"); again != a {
		t.Errorf("not deterministic: %q vs %q", again, a)
	}

	// Entirely-unsafe input still yields something usable.
	if got := SafeComponent("///"); got == "" || strings.Contains(got, "/") {
		t.Errorf("degenerate input = %q", got)
	}

	// Traversal cannot survive cleaning.
	if got := SafeComponent(".."); strings.HasPrefix(got, ".") {
		t.Errorf("traversal survives as %q", got)
	}

	// Overlong identifiers are truncated and disambiguated.
	long := SafeComponent(strings.Repeat("a", 80))
	if len(long) > 80 {
		t.Errorf("long identifier not truncated: %d bytes", len(long))
	}
	if long == SafeComponent(strings.Repeat("a", 81)) {
		t.Error("truncated identifiers collide")
	}
}
