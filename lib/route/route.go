// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package route maps inbound messages to agents and sessions. A
// message arrives as (provider, channel, sender); bindings decide
// which agent answers it, and the agent's session mode decides which
// conversation it lands in.
package route

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/gatehouse-project/gatehouse/lib/store"
)

// specificity scores how precisely a binding's scope pins the message:
// channel+sender beats channel beats sender beats the default binding.
func specificity(b store.Binding) int {
	score := 0
	if b.ChannelID != "" {
		score += 2
	}
	if b.SenderID != "" {
		score++
	}
	return score
}

// matches reports whether the binding's scope covers the message.
// Empty scope fields are wildcards.
func matches(b store.Binding, provider, channelID, senderID string) bool {
	if b.Provider != provider {
		return false
	}
	if b.ChannelID != "" && b.ChannelID != channelID {
		return false
	}
	if b.SenderID != "" && b.SenderID != senderID {
		return false
	}
	return true
}

// ResolveAgent picks the binding for a message: the most specific
// matching scope wins; ties go to the highest priority, then to the
// newest binding. The bindings slice must be ordered newest first, as
// store.ListBindings returns it.
func ResolveAgent(bindings []store.Binding, provider, channelID, senderID string) (store.Binding, bool) {
	var best store.Binding
	bestScore := -1

	for _, b := range bindings {
		if !matches(b, provider, channelID, senderID) {
			continue
		}
		score := specificity(b)
		if score < bestScore {
			continue
		}
		// Strictly-better specificity always wins; equal specificity
		// falls to priority. Equal priority keeps the earlier (newer)
		// binding.
		if score > bestScore || b.Priority > best.Priority {
			best = b
			bestScore = score
		}
	}

	return best, bestScore >= 0
}

// SessionID derives the deterministic session for a message. Per
// sender, each (provider, channel, sender) triple has its own
// conversation; in shared mode everyone in the channel talks to one.
// The result is always a safe path component.
func SessionID(sessionMode, provider, channelID, senderID string) string {
	parts := []string{provider, channelID, senderID}
	if sessionMode == store.SessionShared {
		parts = parts[:2]
	}

	var kept []string
	for _, part := range parts {
		if part != "" {
			kept = append(kept, SafeComponent(part))
		}
	}
	if len(kept) == 0 {
		return "default"
	}
	return strings.Join(kept, "-")
}

// SafeComponent renders an arbitrary identifier as a filesystem-safe
// path component. Identifiers that are already safe pass through
// unchanged; anything else is cleaned and suffixed with a short hash
// of the original so distinct inputs stay distinct.
func SafeComponent(s string) string {
	cleaned := make([]byte, 0, len(s))
	changed := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			cleaned = append(cleaned, c)
		case c == '.' && len(cleaned) > 0:
			// Dots are safe except in the lead, where they hide files
			// or spell traversal.
			cleaned = append(cleaned, c)
		default:
			changed = true
		}
	}
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
		changed = true
	}

	if !changed && len(cleaned) > 0 {
		return string(cleaned)
	}

	sum := blake3.Sum256([]byte(s))
	suffix := hex.EncodeToString(sum[:4])
	if len(cleaned) == 0 {
		return suffix
	}
	return string(cleaned) + "-" + suffix
}
