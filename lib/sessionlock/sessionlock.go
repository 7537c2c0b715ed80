// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionlock serializes agentic loop executions per session.
// Locks are keyed by "agentID:sessionID"; at most one run holds a key
// at a time, later acquirers queue in arrival order, and distinct keys
// never contend. Locks are in-process state: they are not persisted
// and do not survive a restart (a restart has no in-flight runs to
// serialize).
package sessionlock

import (
	"context"
	"sync"
)

// Key builds the canonical lock key for a session.
func Key(agentID, sessionID string) string {
	return agentID + ":" + sessionID
}

// Manager hands out per-key locks. The zero value is not usable; call
// NewManager.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// lockEntry is the lock state for one key. The buffered channel holds
// the lock token: sending acquires, receiving releases. Goroutines
// blocked on the send queue in arrival order. refs counts holders plus
// waiters so the entry can be dropped when the last one leaves.
type lockEntry struct {
	token chan struct{}
	refs  int
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until the key's lock is held or ctx is done. On
// success it returns a release function; releasing more than once is
// a no-op. On cancellation it returns ctx.Err() and the caller holds
// nothing.
func (m *Manager) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		entry = &lockEntry{token: make(chan struct{}, 1)}
		m.locks[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.token <- struct{}{}:
	case <-ctx.Done():
		m.drop(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-entry.token
			m.drop(key, entry)
		})
	}
	return release, nil
}

// drop decrements an entry's refcount and deletes it when nobody
// holds or waits on it anymore.
func (m *Manager) drop(key string, entry *lockEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.locks, key)
	}
}

// Active returns the number of keys currently held or waited on.
// Exposed for status reporting and tests.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
