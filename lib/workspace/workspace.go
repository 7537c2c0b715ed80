// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace confines agent file access to a per-agent root
// directory. Bootstrap and workspace files named in an agent's
// configuration are read through a Guard, which resolves symlinks
// before checking containment so a link inside the root cannot reach
// outside it.
//
// The guard fingerprints every file it reads with a keyed BLAKE3 hash
// and logs when content changes between reads, so operators can see
// when the material injected into an agent's context shifts.
package workspace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// DefaultMaxFileBytes caps a single workspace file read. Context
// assembly applies its own per-agent truncation on top; this bound
// exists so a runaway file cannot exhaust memory before that.
const DefaultMaxFileBytes = 256 << 10

// Guard errors. ReadFile also passes through fs.ErrNotExist.
var (
	ErrOutsideRoot = errors.New("workspace: path resolves outside the workspace root")
	ErrTooLarge    = errors.New("workspace: file exceeds the size limit")
)

// Fingerprint is a 32-byte keyed BLAKE3 digest of file content.
type Fingerprint [32]byte

// String returns the hex form used in logs.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// fileDomainKey separates workspace-file fingerprints from other
// BLAKE3 uses in the gateway. The bytes are the ASCII domain name,
// zero-padded to the 32 bytes keyed mode requires; readable ASCII
// keeps the key inspectable in a debugger.
var fileDomainKey = [32]byte{
	'g', 'a', 't', 'e', 'h', 'o', 'u', 's', 'e', '.',
	'w', 'o', 'r', 'k', 's', 'p', 'a', 'c', 'e', '.',
	'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashContent computes the workspace-domain fingerprint of data.
func HashContent(data []byte) Fingerprint {
	hasher, err := blake3.NewKeyed(fileDomainKey[:])
	if err != nil {
		panic("workspace: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var fingerprint Fingerprint
	copy(fingerprint[:], hasher.Sum(nil))
	return fingerprint
}

// GuardConfig configures a workspace guard.
type GuardConfig struct {
	// Root is the workspace directory. It must exist. Required.
	Root string

	// MaxFileBytes caps a single file read. Zero means
	// DefaultMaxFileBytes.
	MaxFileBytes int64

	// Logger receives change notices. Nil discards them.
	Logger *slog.Logger
}

// Guard confines reads to a workspace root and tracks content
// fingerprints across reads. Safe for concurrent use.
type Guard struct {
	root         string
	maxFileBytes int64
	logger       *slog.Logger

	mu           sync.Mutex
	fingerprints map[string]Fingerprint
}

// NewGuard resolves and validates the root directory. The root is
// symlink-resolved once here so later containment checks compare
// canonical paths.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace: guard config: Root is required")
	}
	if cfg.MaxFileBytes == 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.MaxFileBytes < 0 {
		return nil, fmt.Errorf("workspace: guard config: MaxFileBytes must be positive, got %d", cfg.MaxFileBytes)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	absolute, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving root %s: %w", cfg.Root, err)
	}
	root, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving root %s: %w", cfg.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: checking root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: root %s is not a directory", root)
	}

	return &Guard{
		root:         root,
		maxFileBytes: cfg.MaxFileBytes,
		logger:       cfg.Logger,
		fingerprints: make(map[string]Fingerprint),
	}, nil
}

// Root returns the canonical workspace root.
func (g *Guard) Root() string { return g.root }

// Resolve maps a relative path to its canonical absolute location and
// verifies it stays inside the root after symlink resolution. Absolute
// paths and paths that climb out of the root are rejected.
func (g *Guard) Resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("workspace: empty path")
	}
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("workspace: %s: absolute paths are not allowed", relPath)
	}

	joined := filepath.Join(g.root, relPath)
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		// Not-found keeps its identity so callers can distinguish a
		// missing file from an escape attempt.
		return "", fmt.Errorf("workspace: resolving %s: %w", relPath, err)
	}
	if !contains(g.root, resolved) {
		return "", fmt.Errorf("workspace: %s: %w", relPath, ErrOutsideRoot)
	}
	return resolved, nil
}

// ReadFile resolves relPath, enforces the size limit, and returns the
// file content. Content changes since the previous read of the same
// path are logged with both fingerprints.
func (g *Guard) ReadFile(relPath string) ([]byte, error) {
	resolved, err := g.Resolve(relPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace: checking %s: %w", relPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("workspace: %s is not a regular file", relPath)
	}
	if info.Size() > g.maxFileBytes {
		return nil, fmt.Errorf("workspace: %s is %d bytes, limit %d: %w", relPath, info.Size(), g.maxFileBytes, ErrTooLarge)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace: reading %s: %w", relPath, err)
	}

	g.noteFingerprint(relPath, HashContent(data))
	return data, nil
}

// noteFingerprint records the latest fingerprint for a path and logs
// transitions.
func (g *Guard) noteFingerprint(relPath string, fingerprint Fingerprint) {
	g.mu.Lock()
	previous, seen := g.fingerprints[relPath]
	g.fingerprints[relPath] = fingerprint
	g.mu.Unlock()

	if seen && previous != fingerprint {
		g.logger.Info("workspace file changed",
			"path", relPath,
			"previous_fingerprint", previous.String(),
			"fingerprint", fingerprint.String(),
		)
	}
}

// LastFingerprint reports the fingerprint recorded by the most recent
// read of relPath.
func (g *Guard) LastFingerprint(relPath string) (Fingerprint, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fingerprint, ok := g.fingerprints[relPath]
	return fingerprint, ok
}

// contains reports whether candidate is root itself or lives under it.
// Both paths must already be canonical.
func contains(root, candidate string) bool {
	if candidate == root {
		return true
	}
	return strings.HasPrefix(candidate, root+string(filepath.Separator))
}

// IsNotExist reports whether a Resolve or ReadFile failure means the
// file is absent rather than forbidden.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
