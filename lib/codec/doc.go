// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Gatehouse's standard CBOR encoding
// configuration.
//
// Gatehouse uses two serialization formats with a clear boundary:
//
//   - CBOR for the wire protocol: every frame on a client, node, or
//     admin connection, and the cached RPC results the idempotency
//     store replays byte-for-byte.
//   - JSON for durable, human-inspectable records: transcript JSONL
//     entries, audit log lines, and CLI output.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes — a requirement for idempotent replay, where a retried request
// must receive a response byte-identical to the first.
//
// For buffer-oriented operations (stored results, digests):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (connections):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Wire protocol types use `cbor` struct tags. Types that also appear
// in transcripts or CLI output use `json` tags, which fxamacker/cbor
// reads as a fallback, so one tag controls field naming in both
// formats. Never use both tags on the same field.
package codec
