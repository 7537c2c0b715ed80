// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the Gatehouse connection protocol: the frame
// envelope, the method and event vocabulary, structured error codes,
// and the CBOR stream framing used on every client, node, and admin
// connection.
//
// A connection is a byte stream of self-delimiting CBOR frames. Every
// frame is a [Frame] with a protocol version and a type discriminator:
//
//   - "req": a request carrying a method, caller-chosen id, and params.
//   - "res": the response to a request, matched by id, carrying exactly
//     one of result or error.
//   - "event": a server push, fire-and-forget, never acknowledged.
//
// The protocol version is checked on every frame against the single
// supported version; there is no downgrade negotiation. Unknown
// methods fail closed with METHOD_NOT_FOUND.
//
// Errors that cross the wire are [Error] values with a stable [Code],
// a human-readable message, and a retryable flag. Internal error text
// never crosses the boundary; handlers map internal failures to
// INTERNAL_ERROR with a generic message.
package wire
