// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gatehouse-project/gatehouse/lib/agent"
	"github.com/gatehouse-project/gatehouse/lib/audit"
	"github.com/gatehouse-project/gatehouse/lib/auth"
	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/hook"
	"github.com/gatehouse-project/gatehouse/lib/store"
	"github.com/gatehouse-project/gatehouse/lib/tool"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// handshakeTimeout bounds how long an unauthenticated socket may sit
// before sending its connect frame.
const handshakeTimeout = 30 * time.Second

// DefaultEventQueueSize bounds each connection's outbound event queue.
const DefaultEventQueueSize = 256

// Engine is the slice of the run engine the gateway drives. The agent
// package's Engine satisfies it.
type Engine interface {
	StartRun(ctx context.Context, req agent.Request) (string, error)
	Cancel(ctx context.Context, runID string) (store.RunState, error)
	ActiveRuns() int
}

// Recorder receives audit events. Satisfied by *audit.Sink.
type Recorder interface {
	Record(event audit.Event)
}

// Config configures a Gateway.
type Config struct {
	// Address is the TCP listen address.
	Address string

	// TLS enables TLS when non-nil. A nil TLS config listens in
	// plaintext, which the config layer only permits outside
	// production.
	TLS *tls.Config

	// AllowedOrigins are glob patterns matched against the origin a
	// browser-facing bridge forwards. A handshake carrying an origin
	// that matches nothing is rejected before auth.
	AllowedOrigins []string

	// HeartbeatInterval is the ping period. A peer that misses two
	// intervals without a pong is force-closed.
	HeartbeatInterval time.Duration

	// MaxFrameBytes caps a single frame. Zero uses
	// wire.DefaultMaxFrameBytes.
	MaxFrameBytes int64

	// RatePerSec and RateBurst shape each connection's token bucket.
	RatePerSec float64
	RateBurst  int

	// EventQueueSize bounds each connection's event queue. Zero uses
	// DefaultEventQueueSize.
	EventQueueSize int

	// TimestampWindow is the handshake replay window. Zero uses
	// auth.DefaultReplayWindow.
	TimestampWindow time.Duration

	// IdempotencyTTL is how long cached responses replay. Zero uses
	// store.DefaultIdempotencyTTL.
	IdempotencyTTL time.Duration

	// PurgeInterval is the period of the nonce/idempotency sweep.
	// Zero disables the sweep.
	PurgeInterval time.Duration

	// ServerVersion is reported in handshake responses and status.
	ServerVersion string

	Store  *store.Store
	Engine Engine
	Hooks  *hook.Registry
	Audit  Recorder
	Clock  clock.Clock
	Logger *slog.Logger
}

// Gateway is the listener plus everything a live connection needs. It
// implements agent.Publisher (run events reach the initiating device)
// and tool.ExecRequester (the node.exec builtin tool files approval
// requests through it).
type Gateway struct {
	cfg      Config
	store    *store.Store
	engine   Engine
	hooks    *hook.Registry
	verifier *auth.Verifier
	audit    Recorder
	clock    clock.Clock
	logger   *slog.Logger

	origins  []glob.Glob
	registry *registry

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall

	mu       sync.Mutex
	listener net.Listener
	started  time.Time

	ready     chan struct{}
	readyOnce sync.Once

	eventsDropped atomic.Uint64
	conns         sync.WaitGroup
}

// New validates the config and builds a Gateway. Serve must still be
// called to listen.
func New(cfg Config) (*Gateway, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("gateway: config: Address is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("gateway: config: Store is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("gateway: config: Engine is required")
	}
	if cfg.Hooks == nil {
		return nil, fmt.Errorf("gateway: config: Hooks is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("gateway: config: HeartbeatInterval must be positive")
	}
	if cfg.RatePerSec <= 0 || cfg.RateBurst <= 0 {
		return nil, fmt.Errorf("gateway: config: rate limit must be positive")
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = DefaultEventQueueSize
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = store.DefaultIdempotencyTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	origins := make([]glob.Glob, 0, len(cfg.AllowedOrigins))
	for _, pattern := range cfg.AllowedOrigins {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("gateway: config: origin pattern %q: %w", pattern, err)
		}
		origins = append(origins, g)
	}

	return &Gateway{
		cfg:      cfg,
		store:    cfg.Store,
		engine:   cfg.Engine,
		hooks:    cfg.Hooks,
		verifier: auth.NewVerifier(cfg.Store, cfg.Store, cfg.Clock, cfg.TimestampWindow, cfg.Logger),
		audit:    cfg.Audit,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		origins:  origins,
		registry: newRegistry(),
		inflight: make(map[string]*inflightCall),
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is accepting connections.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// Addr returns the listen address, or nil before Serve binds it.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Serve listens and accepts until ctx is cancelled, then stops
// accepting, closes live connections, and waits for their goroutines
// to drain.
func (g *Gateway) Serve(ctx context.Context) error {
	var listener net.Listener
	var err error
	if g.cfg.TLS != nil {
		listener, err = tls.Listen("tcp", g.cfg.Address, g.cfg.TLS)
	} else {
		listener, err = net.Listen("tcp", g.cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("gateway: listening on %s: %w", g.cfg.Address, err)
	}

	g.mu.Lock()
	g.listener = listener
	g.started = g.clock.Now()
	g.mu.Unlock()
	g.readyOnce.Do(func() { close(g.ready) })

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	if g.cfg.PurgeInterval > 0 {
		go g.purgeLoop(ctx)
	}

	g.logger.Info("gateway listening",
		"address", listener.Addr().String(),
		"tls", g.cfg.TLS != nil,
	)

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			g.logger.Error("accept failed", "error", err)
			continue
		}
		g.conns.Add(1)
		go func() {
			defer g.conns.Done()
			g.handleConn(ctx, netConn)
		}()
	}

	for _, conn := range g.registry.all() {
		conn.Close()
	}
	g.conns.Wait()
	return nil
}

// purgeLoop periodically deletes expired nonces and idempotency rows.
func (g *Gateway) purgeLoop(ctx context.Context) {
	ticker := g.clock.NewTicker(g.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats, err := g.store.PurgeExpired(ctx)
			if err != nil {
				g.logger.Warn("purge sweep failed", "error", err)
				continue
			}
			if stats.Nonces > 0 || stats.IdempotencyKeys > 0 {
				g.logger.Debug("purge sweep",
					"nonces", stats.Nonces,
					"idempotency_keys", stats.IdempotencyKeys,
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleConn owns one socket from accept to close: handshake first,
// then the request loop.
func (g *Gateway) handleConn(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	maxFrame := g.cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrameBytes
	}
	reader := wire.NewReader(netConn, maxFrame)

	conn, ok := g.handshake(ctx, netConn, reader)
	if !ok {
		return
	}
	defer func() {
		g.registry.remove(conn.ID)
		conn.Close()
		g.logger.Info("connection closed",
			"connection_id", conn.ID,
			"device_id", conn.DeviceID,
		)
	}()

	go conn.drainEvents()
	go g.heartbeat(ctx, conn)

	for {
		frame, err := reader.Read()
		if err != nil {
			if errors.Is(err, wire.ErrFrameTooLarge) {
				// The stream position is lost mid-frame; tell the peer
				// why and drop the connection.
				resp := wire.NewErrorResponse("", wire.Errorf(wire.CodeMessageTooLarge, "frame exceeds %d byte limit", maxFrame), g.clock.Now())
				conn.writeFrame(resp)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-conn.Done():
			default:
				g.logger.Debug("read failed", "connection_id", conn.ID, "error", err)
			}
			return
		}

		resp := g.dispatch(ctx, conn, frame)
		if resp == nil {
			continue
		}
		if err := conn.writeFrame(resp); err != nil {
			g.logger.Debug("response write failed", "connection_id", conn.ID, "error", err)
			return
		}
		if conn.closeAfterReply.Load() {
			return
		}
	}
}

// handshake authenticates the first frame. On failure the error
// response is written (best effort) and the socket is abandoned; on
// success the connection is registered and the connect result sent.
func (g *Gateway) handshake(ctx context.Context, netConn net.Conn, reader *wire.Reader) (*Conn, bool) {
	netConn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	refuse := func(id string, wireErr *wire.Error) {
		resp := wire.NewErrorResponse(id, wireErr, g.clock.Now())
		wire.NewWriter(netConn).Write(resp)
	}

	frame, err := reader.Read()
	if err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			refuse("", wire.Errorf(wire.CodeMessageTooLarge, "handshake frame too large"))
		}
		return nil, false
	}
	if wireErr := frame.Validate(); wireErr != nil {
		refuse(frame.ID, wireErr)
		return nil, false
	}
	if frame.Type != wire.FrameRequest || frame.Method != wire.MethodConnect {
		refuse(frame.ID, wire.Errorf(wire.CodeInvalidHandshake, "first frame must be a connect request"))
		return nil, false
	}

	var params wire.ConnectParams
	if err := frame.DecodeParams(&params); err != nil {
		refuse(frame.ID, wire.Errorf(wire.CodeInvalidHandshake, "malformed connect params"))
		return nil, false
	}
	if err := params.Validate(); err != nil {
		refuse(frame.ID, wire.Errorf(wire.CodeInvalidHandshake, "invalid connect params: %v", err))
		return nil, false
	}

	// The origin gate runs before any credential processing: a
	// disallowed origin learns nothing about device validity.
	if params.Origin != "" && !g.originAllowed(params.Origin) {
		g.logger.Warn("handshake origin rejected", "origin", params.Origin, "device_id", params.DeviceID)
		refuse(frame.ID, wire.Errorf(wire.CodeOriginRejected, "origin not allowed"))
		return nil, false
	}

	device, wireErr := g.verifier.VerifyConnect(ctx, &params)
	if wireErr != nil {
		g.recordAudit(audit.Event{
			Kind:     audit.KindAuthRejected,
			DeviceID: params.DeviceID,
			Detail:   map[string]any{"code": string(wireErr.Code)},
		})
		refuse(frame.ID, wireErr)
		return nil, false
	}

	token, err := auth.GenerateSessionToken()
	if err != nil {
		refuse(frame.ID, wire.Errorf(wire.CodeInternal, "internal error"))
		return nil, false
	}

	limiter := rate.NewLimiter(rate.Limit(g.cfg.RatePerSec), g.cfg.RateBurst)
	conn := newConn("conn-"+uuid.NewString(), netConn, device.ID, token, device.Role, params.Capabilities, limiter, g.cfg.EventQueueSize)
	g.registry.add(conn)

	result := wire.ConnectResult{
		ConnectionID:  conn.ID,
		Approved:      true,
		ServerVersion: g.cfg.ServerVersion,
		HeartbeatSec:  int(g.cfg.HeartbeatInterval / time.Second),
		SessionToken:  token,
	}
	resp, err := wire.NewResponse(frame.ID, result, g.clock.Now())
	if err != nil {
		g.registry.remove(conn.ID)
		return nil, false
	}
	if err := conn.writeFrame(resp); err != nil {
		g.registry.remove(conn.ID)
		return nil, false
	}

	// Authenticated: the heartbeat takes over liveness from here.
	netConn.SetReadDeadline(time.Time{})

	g.logger.Info("connection authenticated",
		"connection_id", conn.ID,
		"device_id", conn.DeviceID,
		"role", conn.Role,
	)
	return conn, true
}

func (g *Gateway) originAllowed(origin string) bool {
	for _, pattern := range g.origins {
		if pattern.Match(origin) {
			return true
		}
	}
	return false
}

// heartbeat pings the peer every interval and closes the connection
// when two intervals pass without an accepted pong.
func (g *Gateway) heartbeat(ctx context.Context, conn *Conn) {
	interval := g.cfg.HeartbeatInterval
	ticker := g.clock.NewTicker(interval)
	defer ticker.Stop()
	deadline := g.clock.NewTimer(2 * interval)
	defer deadline.Stop()

	var seq uint64
	for {
		select {
		case <-ticker.C:
			seq++
			frame, err := wire.NewEvent(wire.EventHeartbeatPing, wire.PingEventData{Seq: seq}, g.clock.Now())
			if err != nil {
				continue
			}
			g.send(conn, frame)
		case <-conn.pongs:
			deadline.Reset(2 * interval)
		case <-deadline.C:
			g.logger.Warn("heartbeat missed, closing connection",
				"connection_id", conn.ID,
				"device_id", conn.DeviceID,
			)
			conn.Close()
			return
		case <-conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// send queues an event on one connection, counting drops.
func (g *Gateway) send(conn *Conn, frame *wire.Frame) {
	if !conn.sendEvent(frame) {
		g.eventsDropped.Add(1)
		g.logger.Warn("event dropped",
			"connection_id", conn.ID,
			"device_id", conn.DeviceID,
			"event", string(frame.Event),
		)
	}
}

// Publish delivers a run event to every live connection of the device
// that initiated the run. Fire-and-forget: a device with no live
// connection simply misses the event; the transcript is the durable
// record. Satisfies agent.Publisher.
func (g *Gateway) Publish(deviceID string, name wire.EventName, data any) {
	frame, err := wire.NewEvent(name, data, g.clock.Now())
	if err != nil {
		g.logger.Error("event marshal failed", "event", string(name), "error", err)
		return
	}
	for _, conn := range g.registry.device(deviceID) {
		g.send(conn, frame)
	}
}

// RequestExec files an exec approval request on behalf of an agent's
// node.exec tool call. The request lands in the same pending state as
// one filed over RPC; admins are notified and must approve before
// anything runs. Satisfies tool.ExecRequester.
func (g *Gateway) RequestExec(ctx context.Context, call tool.CallContext, sub tool.ExecSubmission) (string, error) {
	execID, wireErr := g.fileExecRequest(ctx, call.AgentID, store.ExecRequest{
		NodeDeviceID: sub.NodeDeviceID,
		RequestedBy:  "agent:" + call.AgentID,
		Command:      sub.Command,
		Args:         sub.Args,
		Cwd:          sub.Cwd,
		TimeoutSec:   sub.TimeoutSec,
	})
	if wireErr != nil {
		return "", wireErr
	}
	return execID, nil
}

// fileExecRequest validates the target node, persists the pending
// request, audits it, and notifies the requester and admins. Shared by
// the node.exec.request RPC and the agent's node.exec tool.
func (g *Gateway) fileExecRequest(ctx context.Context, agentID string, req store.ExecRequest) (string, *wire.Error) {
	device, ok, err := g.store.GetDevice(ctx, req.NodeDeviceID)
	if err != nil {
		return "", wire.AsError(err)
	}
	if !ok || device.Role != wire.RoleNode {
		return "", wire.Errorf(wire.CodeInvalidParams, "%q is not a paired node", req.NodeDeviceID)
	}

	req.ExecID = "exec-" + uuid.NewString()
	if err := g.store.CreateExec(ctx, req); err != nil {
		return "", wire.AsError(err)
	}

	g.recordAudit(audit.Event{
		Kind:     audit.KindExecRequested,
		AgentID:  agentID,
		DeviceID: req.NodeDeviceID,
		Detail: map[string]any{
			"exec_id":      req.ExecID,
			"command":      req.Command,
			"requested_by": req.RequestedBy,
		},
	})
	g.notifyExecStatus(req.RequestedBy, wire.ExecStatusEventData{
		ExecID:       req.ExecID,
		NodeDeviceID: req.NodeDeviceID,
		State:        string(store.ExecPending),
	})
	return req.ExecID, nil
}

// notifyExecStatus pushes a node.exec.status event to the requester's
// connections and every admin connection, deduplicated. Requesters
// identified as "agent:<id>" have no connection; only admins hear
// about those.
func (g *Gateway) notifyExecStatus(requestedBy string, data wire.ExecStatusEventData) {
	frame, err := wire.NewEvent(wire.EventExecStatus, data, g.clock.Now())
	if err != nil {
		return
	}
	seen := make(map[string]bool)
	for _, conn := range g.registry.device(requestedBy) {
		seen[conn.ID] = true
		g.send(conn, frame)
	}
	for _, conn := range g.registry.role(wire.RoleAdmin) {
		if seen[conn.ID] {
			continue
		}
		g.send(conn, frame)
	}
}

func (g *Gateway) recordAudit(event audit.Event) {
	if g.audit != nil {
		g.audit.Record(event)
	}
}

// uptime reports seconds since the listener came up.
func (g *Gateway) uptime() int64 {
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if started.IsZero() {
		return 0
	}
	return int64(g.clock.Now().Sub(started) / time.Second)
}
