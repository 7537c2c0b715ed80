// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the replay-proof connection handshake:
// pairing-secret key derivation, HMAC verification, nonce single-use
// enforcement, and session token generation.
//
// # Key model
//
// At pairing time the gateway derives a per-device verification key
// from the pairing secret with HKDF-SHA256, salted with the device id
// and domain-separated by a fixed info string. Only the derived key is
// stored; the raw pairing secret exists once, on the operator's
// screen, at pairing time. The client derives the same key from the
// secret it was given. A stolen device row therefore authenticates
// exactly one device and cannot recover the pairing secret.
//
// # Handshake
//
// The client sends hex(HMAC-SHA256(verifyKey, message)) where message
// binds the device id, a single-use nonce, and the client's timestamp
// under a versioned domain prefix. The gateway rejects, in order:
// timestamps outside the replay window, unknown or unapproved devices,
// role mismatches, bad MACs (constant-time compare), and reused
// nonces. The nonce is recorded only after the MAC verifies, so
// unauthenticated traffic cannot poison the nonce table.
package auth
