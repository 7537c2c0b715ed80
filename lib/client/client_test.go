// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package client_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/agent"
	"github.com/gatehouse-project/gatehouse/lib/auth"
	"github.com/gatehouse-project/gatehouse/lib/client"
	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/gateway"
	"github.com/gatehouse-project/gatehouse/lib/hook"
	"github.com/gatehouse-project/gatehouse/lib/store"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

type fakeEngine struct {
	mu     sync.Mutex
	runSeq int
}

func (e *fakeEngine) StartRun(ctx context.Context, req agent.Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runSeq++
	return fmt.Sprintf("run-%d", e.runSeq), nil
}

func (e *fakeEngine) Cancel(ctx context.Context, runID string) (store.RunState, error) {
	return "", agent.ErrRunNotFound
}

func (e *fakeEngine) ActiveRuns() int { return 0 }

type harness struct {
	g    *gateway.Gateway
	st   *store.Store
	clk  *clock.FakeClock
	addr string
}

// newHarness serves a gateway with one approved client device
// ("cli-1", pairing secret "secret-cli-1"). The fake clock keeps
// heartbeats quiet unless a test advances it.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	clk := clock.Fake(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	st, err := store.OpenMemory(clk, nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key, err := auth.DeriveVerifyKey([]byte("secret-cli-1"), "cli-1")
	if err != nil {
		t.Fatalf("deriving key: %v", err)
	}
	if err := st.PairDevice(ctx, "cli-1", wire.RoleClient, key); err != nil {
		t.Fatalf("pairing: %v", err)
	}
	if err := st.ApproveDevice(ctx, "cli-1"); err != nil {
		t.Fatalf("approving: %v", err)
	}

	g, err := gateway.New(gateway.Config{
		Address:           "127.0.0.1:0",
		HeartbeatInterval: 30 * time.Second,
		RatePerSec:        1000,
		RateBurst:         1000,
		ServerVersion:     "test",
		Store:             st,
		Engine:            &fakeEngine{},
		Hooks:             hook.NewRegistry(hook.Config{Clock: clk}),
		Clock:             clk,
		Logger:            slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.Serve(serveCtx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-g.Ready()

	return &harness{g: g, st: st, clk: clk, addr: g.Addr().String()}
}

func (h *harness) dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), client.Config{
		Address:       h.addr,
		DeviceID:      "cli-1",
		Role:          wire.RoleClient,
		PairingSecret: []byte("secret-cli-1"),
		Clock:         h.clk,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialAndCall(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	if c.Connect().ServerVersion != "test" {
		t.Fatalf("server version = %q, want %q", c.Connect().ServerVersion, "test")
	}
	if c.Connect().SessionToken == "" {
		t.Fatal("handshake returned no session token")
	}

	var status wire.StatusResult
	if err := c.Call(context.Background(), wire.MethodStatusGet, nil, &status); err != nil {
		t.Fatalf("status.get: %v", err)
	}
	if status.Connections[string(wire.RoleClient)] != 1 {
		t.Fatalf("client connections = %d, want 1", status.Connections[string(wire.RoleClient)])
	}
}

func TestDialRejectsBadSecret(t *testing.T) {
	h := newHarness(t)

	_, err := client.Dial(context.Background(), client.Config{
		Address:       h.addr,
		DeviceID:      "cli-1",
		Role:          wire.RoleClient,
		PairingSecret: []byte("wrong-secret"),
		Clock:         h.clk,
	})
	if err == nil {
		t.Fatal("Dial succeeded with a wrong pairing secret")
	}
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) {
		t.Fatalf("error %v does not wrap *wire.Error", err)
	}
	if wireErr.Code != wire.CodeAuthFailed {
		t.Fatalf("code = %s, want %s", wireErr.Code, wire.CodeAuthFailed)
	}
}

func TestCallReturnsWireError(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	err := c.Call(context.Background(), wire.MethodAgentCancel, wire.AgentCancelParams{RunID: "run-missing"}, nil)
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) {
		t.Fatalf("error %v does not wrap *wire.Error", err)
	}
	if wireErr.Code != wire.CodeRunNotFound {
		t.Fatalf("code = %s, want %s", wireErr.Code, wire.CodeRunNotFound)
	}
}

func TestCallIdempotentReplays(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	ctx := context.Background()

	params := wire.AgentRunParams{AgentID: "clerk", Prompt: "hello"}
	if err := h.st.SyncCatalog(ctx, store.Catalog{
		Agents: []store.AgentConfig{{ID: "clerk", Provider: "anthropic", Model: "claude-sonnet-4-5"}},
	}); err != nil {
		t.Fatalf("syncing catalog: %v", err)
	}

	var first, second wire.AgentRunResult
	if err := c.CallIdempotent(ctx, wire.MethodAgentRun, params, &first, "key-1"); err != nil {
		t.Fatalf("first agent.run: %v", err)
	}
	if err := c.CallIdempotent(ctx, wire.MethodAgentRun, params, &second, "key-1"); err != nil {
		t.Fatalf("second agent.run: %v", err)
	}
	if first.RunID != second.RunID {
		t.Fatalf("replay returned run %q, first was %q", second.RunID, first.RunID)
	}
}

func TestEventsDelivered(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	h.g.Publish("cli-1", wire.EventAgentDelta, wire.DeltaEventData{RunID: "run-1", Seq: 1, Text: "hi"})

	select {
	case frame := <-c.Events():
		if frame.Event != wire.EventAgentDelta {
			t.Fatalf("event = %s, want %s", frame.Event, wire.EventAgentDelta)
		}
		var delta wire.DeltaEventData
		if err := frame.DecodeData(&delta); err != nil {
			t.Fatalf("decoding delta: %v", err)
		}
		if delta.Text != "hi" {
			t.Fatalf("delta text = %q, want %q", delta.Text, "hi")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHeartbeatPingAnsweredInternally(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	// Two fake timers per connection: the ping ticker and the pong
	// deadline.
	h.clk.WaitForTimers(2)
	h.clk.Advance(30 * time.Second)

	// The ping is consumed by the client's own pong handling; the
	// connection must stay usable and the ping must not surface as an
	// application event.
	if err := c.Call(context.Background(), wire.MethodStatusGet, nil, nil); err != nil {
		t.Fatalf("status.get after ping: %v", err)
	}
	select {
	case frame := <-c.Events():
		t.Fatalf("unexpected event %s surfaced to consumer", frame.Event)
	default:
	}
}

func TestCallAfterClose(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	c.Close()

	err := c.Call(context.Background(), wire.MethodStatusGet, nil, nil)
	if !errors.Is(err, client.ErrClosed) {
		t.Fatalf("error = %v, want ErrClosed", err)
	}
}
