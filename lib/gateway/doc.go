// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the network front door: a TCP (optionally TLS)
// listener speaking the CBOR frame protocol, one goroutine per
// connection.
//
// A connection starts in the handshake state and must authenticate
// with its first frame before any other method is reachable. After
// that every request passes through a fixed pipeline: frame
// validation, rate limiting, idempotency-key presence, RBAC, then the
// idempotency cache, and only then the method handler. The pipeline
// order is load-bearing — an unauthorized caller must be refused
// before the idempotency layer does any work on its behalf.
//
// Server-push events flow through a bounded per-connection queue
// drained by a single goroutine. When the queue is full events are
// dropped and counted, never buffered without bound. RPC responses
// bypass the droppable queue but share the frame writer's lock, so a
// connection always has exactly one writer at the socket.
package gateway
