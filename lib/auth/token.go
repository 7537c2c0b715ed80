// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// sessionTokenBytes is the entropy of a session token (256 bits).
const sessionTokenBytes = 32

// pairingSecretBytes is the entropy of a generated pairing secret.
const pairingSecretBytes = 32

// GenerateSessionToken returns a fresh opaque session token. Issued at
// handshake and rotated on every accepted heartbeat pong.
func GenerateSessionToken() (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// GeneratePairingSecret returns a fresh pairing secret for `gatehouse
// device pair`. It is shown to the operator exactly once; only the
// key derived from it is stored.
func GeneratePairingSecret() (string, error) {
	raw := make([]byte, pairingSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating pairing secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// TokensEqual compares two session tokens in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidIdentifier reports whether s is usable as a device id or nonce
// on the wire: non-empty, at most 128 bytes, and free of the "|"
// separator and control characters that would break the canonical
// HMAC message.
func ValidIdentifier(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if strings.ContainsAny(s, "|") {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
