// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestIdempotentFirstWriteWins(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	digest := []byte{0xAA, 0xBB}
	original := []byte(`{"run_id":"r1"}`)
	if err := store.StoreIdempotent(ctx, "dev-a", "agent.run", "key-1", digest, original, 0); err != nil {
		t.Fatalf("StoreIdempotent: %v", err)
	}

	// A losing duplicate must not overwrite the cached response.
	if err := store.StoreIdempotent(ctx, "dev-a", "agent.run", "key-1", digest, []byte(`{"run_id":"r2"}`), 0); err != nil {
		t.Fatalf("StoreIdempotent duplicate: %v", err)
	}

	cached, err := store.LookupIdempotent(ctx, "dev-a", "agent.run", "key-1")
	if err != nil {
		t.Fatalf("LookupIdempotent: %v", err)
	}
	if cached == nil {
		t.Fatal("cached response missing")
	}
	if !bytes.Equal(cached.Response, original) {
		t.Errorf("response = %s, want original %s", cached.Response, original)
	}
	if !bytes.Equal(cached.RequestDigest, digest) {
		t.Error("request digest does not round-trip")
	}
}

func TestIdempotentKeyNamespacing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.StoreIdempotent(ctx, "dev-a", "agent.run", "key-1", []byte{1}, []byte("a"), 0); err != nil {
		t.Fatalf("StoreIdempotent: %v", err)
	}

	// Same client key under another device or method is a distinct
	// cache slot.
	for _, probe := range []struct{ device, method string }{
		{"dev-b", "agent.run"},
		{"dev-a", "message.send"},
	} {
		cached, err := store.LookupIdempotent(ctx, probe.device, probe.method, "key-1")
		if err != nil {
			t.Fatalf("LookupIdempotent(%s, %s): %v", probe.device, probe.method, err)
		}
		if cached != nil {
			t.Errorf("key leaked across namespace (%s, %s)", probe.device, probe.method)
		}
	}
}

func TestIdempotentExpiredRowIsOverwritten(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	if err := store.StoreIdempotent(ctx, "dev-a", "agent.run", "key-1", []byte{1}, []byte(`{"run_id":"r1"}`), time.Hour); err != nil {
		t.Fatalf("StoreIdempotent: %v", err)
	}

	// Past the TTL the key is re-executable. Caching the fresh
	// response must succeed right away, not wait for the sweeper to
	// clear the expired row.
	fakeClock.Advance(2 * time.Hour)
	fresh := []byte(`{"run_id":"r2"}`)
	if err := store.StoreIdempotent(ctx, "dev-a", "agent.run", "key-1", []byte{2}, fresh, time.Hour); err != nil {
		t.Fatalf("StoreIdempotent after expiry: %v", err)
	}

	cached, err := store.LookupIdempotent(ctx, "dev-a", "agent.run", "key-1")
	if err != nil {
		t.Fatalf("LookupIdempotent: %v", err)
	}
	if cached == nil {
		t.Fatal("fresh response was not cached")
	}
	if !bytes.Equal(cached.Response, fresh) {
		t.Errorf("response = %s, want fresh %s", cached.Response, fresh)
	}
	if !bytes.Equal(cached.RequestDigest, []byte{2}) {
		t.Error("request digest not replaced with the fresh one")
	}
}

func TestIdempotentExpiry(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	if err := store.StoreIdempotent(ctx, "dev-a", "agent.run", "key-1", []byte{1}, []byte("a"), time.Hour); err != nil {
		t.Fatalf("StoreIdempotent: %v", err)
	}

	fakeClock.Advance(59 * time.Minute)
	cached, err := store.LookupIdempotent(ctx, "dev-a", "agent.run", "key-1")
	if err != nil {
		t.Fatalf("LookupIdempotent: %v", err)
	}
	if cached == nil {
		t.Fatal("entry expired early")
	}

	fakeClock.Advance(2 * time.Minute)
	cached, err = store.LookupIdempotent(ctx, "dev-a", "agent.run", "key-1")
	if err != nil {
		t.Fatalf("LookupIdempotent: %v", err)
	}
	if cached != nil {
		t.Error("expired entry still served")
	}
}
