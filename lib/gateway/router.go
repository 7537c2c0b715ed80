// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"

	"github.com/zeebo/blake3"

	"github.com/gatehouse-project/gatehouse/lib/audit"
	"github.com/gatehouse-project/gatehouse/lib/codec"
	"github.com/gatehouse-project/gatehouse/lib/rbac"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// dispatch runs one request through the pipeline and returns the
// response frame. The stage order is fixed: validation, rate limit,
// idempotency-key presence, RBAC, idempotency cache, handler. Nothing
// later in the pipeline runs once an earlier stage refuses.
func (g *Gateway) dispatch(ctx context.Context, conn *Conn, frame *wire.Frame) *wire.Frame {
	now := g.clock.Now()

	if wireErr := frame.Validate(); wireErr != nil {
		return wire.NewErrorResponse(frame.ID, wireErr, now)
	}
	if frame.Type != wire.FrameRequest {
		// Peers only push requests; events and responses from a peer
		// have nowhere to go.
		return nil
	}
	if frame.Method == wire.MethodConnect {
		return wire.NewErrorResponse(frame.ID, wire.Errorf(wire.CodeInvalidHandshake, "connection is already authenticated"), now)
	}

	if !conn.limiter.Allow() {
		return wire.NewErrorResponse(frame.ID, wire.Errorf(wire.CodeRateLimited, "request rate exceeded"), now)
	}

	if frame.Method.RequiresIdempotencyKey() && frame.IdempotencyKey == "" {
		return wire.NewErrorResponse(frame.ID, wire.Errorf(wire.CodeIdempotencyKeyRequired, "%s requires idempotency_key", frame.Method), now)
	}

	if wireErr := rbac.Check(frame.Method, conn.Role); wireErr != nil {
		if wireErr.Code == wire.CodePermissionDenied {
			g.recordAudit(audit.Event{
				Kind:     audit.KindAuthRejected,
				DeviceID: conn.DeviceID,
				Detail: map[string]any{
					"method": string(frame.Method),
					"role":   string(conn.Role),
					"reason": "permission_denied",
				},
			})
		}
		return wire.NewErrorResponse(frame.ID, wireErr, now)
	}

	if frame.Method.RequiresIdempotencyKey() {
		return g.dispatchIdempotent(ctx, conn, frame)
	}

	result, wireErr := g.handle(ctx, conn, frame)
	if wireErr != nil {
		return wire.NewErrorResponse(frame.ID, wireErr, g.clock.Now())
	}
	resp, err := wire.NewResponse(frame.ID, result, g.clock.Now())
	if err != nil {
		g.logger.Error("response marshal failed", "method", string(frame.Method), "error", err)
		return wire.NewErrorResponse(frame.ID, wire.Errorf(wire.CodeInternal, "internal error"), g.clock.Now())
	}
	return resp
}

// inflightCall serializes concurrent requests that share an
// idempotency key. The first arrival computes; everyone else waits on
// done and shares the outcome.
type inflightCall struct {
	done     chan struct{}
	digest   []byte
	response []byte
	wireErr  *wire.Error
}

// requestDigest fingerprints a request so a reused key with different
// parameters is detectable. Method and params both feed the hash; the
// separator keeps (method, params) pairs from colliding across
// boundaries.
func requestDigest(method wire.Method, params []byte) []byte {
	h := blake3.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(params)
	return h.Sum(nil)
}

// dispatchIdempotent wraps the handler in the idempotency protocol:
// cached successes replay byte-identically and the handler never runs;
// concurrent duplicates serialize on an in-flight marker; only
// successes are cached, so a failed attempt may be retried with the
// same key.
func (g *Gateway) dispatchIdempotent(ctx context.Context, conn *Conn, frame *wire.Frame) *wire.Frame {
	key := conn.DeviceID + ":" + string(frame.Method) + ":" + frame.IdempotencyKey
	digest := requestDigest(frame.Method, frame.Params)

	g.inflightMu.Lock()
	if call, ok := g.inflight[key]; ok {
		g.inflightMu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return wire.NewErrorResponse(frame.ID, wire.Errorf(wire.CodeInternal, "shutting down"), g.clock.Now())
		}
		if call.wireErr != nil {
			return wire.NewErrorResponse(frame.ID, call.wireErr, g.clock.Now())
		}
		if !bytes.Equal(call.digest, digest) {
			return wire.NewErrorResponse(frame.ID, wire.Errorf(wire.CodeIdempotencyKeyConflict, "idempotency key reused with different request"), g.clock.Now())
		}
		return wire.NewRawResponse(frame.ID, call.response, g.clock.Now())
	}
	call := &inflightCall{done: make(chan struct{}), digest: digest}
	g.inflight[key] = call
	g.inflightMu.Unlock()

	defer func() {
		g.inflightMu.Lock()
		delete(g.inflight, key)
		g.inflightMu.Unlock()
		close(call.done)
	}()

	cached, err := g.store.LookupIdempotent(ctx, conn.DeviceID, string(frame.Method), frame.IdempotencyKey)
	if err != nil {
		call.wireErr = wire.AsError(err)
		return wire.NewErrorResponse(frame.ID, call.wireErr, g.clock.Now())
	}
	if cached != nil {
		if !bytes.Equal(cached.RequestDigest, digest) {
			call.wireErr = wire.Errorf(wire.CodeIdempotencyKeyConflict, "idempotency key reused with different request")
			return wire.NewErrorResponse(frame.ID, call.wireErr, g.clock.Now())
		}
		call.response = cached.Response
		return wire.NewRawResponse(frame.ID, cached.Response, g.clock.Now())
	}

	result, wireErr := g.handle(ctx, conn, frame)
	if wireErr != nil {
		call.wireErr = wireErr
		return wire.NewErrorResponse(frame.ID, wireErr, g.clock.Now())
	}

	encoded, err := codec.Marshal(result)
	if err != nil {
		g.logger.Error("response marshal failed", "method", string(frame.Method), "error", err)
		call.wireErr = wire.Errorf(wire.CodeInternal, "internal error")
		return wire.NewErrorResponse(frame.ID, call.wireErr, g.clock.Now())
	}
	if err := g.store.StoreIdempotent(ctx, conn.DeviceID, string(frame.Method), frame.IdempotencyKey, digest, encoded, g.cfg.IdempotencyTTL); err != nil {
		// The handler already ran; failing the whole request now would
		// make the caller retry a completed operation. Replay is lost
		// for this key, the response is not.
		g.logger.Warn("idempotency cache write failed", "method", string(frame.Method), "error", err)
	}
	call.response = encoded
	return wire.NewRawResponse(frame.ID, encoded, g.clock.Now())
}
