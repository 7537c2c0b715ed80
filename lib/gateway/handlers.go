// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"

	"github.com/gatehouse-project/gatehouse/lib/agent"
	"github.com/gatehouse-project/gatehouse/lib/audit"
	"github.com/gatehouse-project/gatehouse/lib/auth"
	"github.com/gatehouse-project/gatehouse/lib/route"
	"github.com/gatehouse-project/gatehouse/lib/store"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// handle routes an authorized request to its method handler. Every
// handler decodes and validates its own params and returns either a
// result value or a *wire.Error; raw internal errors never reach the
// peer.
func (g *Gateway) handle(ctx context.Context, conn *Conn, frame *wire.Frame) (any, *wire.Error) {
	switch frame.Method {
	case wire.MethodSessionResolve:
		return g.handleSessionResolve(ctx, frame)
	case wire.MethodMessageSend:
		return g.handleMessageSend(ctx, conn, frame)
	case wire.MethodAgentRun:
		return g.handleAgentRun(ctx, conn, frame)
	case wire.MethodAgentCancel:
		return g.handleAgentCancel(ctx, frame)
	case wire.MethodStatusGet:
		return g.handleStatusGet(ctx)
	case wire.MethodExecRequest:
		return g.handleExecRequest(ctx, conn, frame)
	case wire.MethodExecApprove:
		return g.handleExecApprove(ctx, conn, frame)
	case wire.MethodExecResult:
		return g.handleExecResult(ctx, conn, frame)
	case wire.MethodDeviceRevoke:
		return g.handleDeviceRevoke(ctx, conn, frame)
	case wire.MethodPluginDisable:
		return g.handlePluginDisable(frame)
	case wire.MethodHeartbeatPong:
		return g.handleHeartbeatPong(conn, frame)
	default:
		// RBAC already rejected unknown methods; this is unreachable
		// unless the matrix and this switch drift apart.
		return nil, wire.Errorf(wire.CodeMethodNotFound, "unknown method %q", frame.Method)
	}
}

func decodeParams(frame *wire.Frame, params interface{ Validate() error }) *wire.Error {
	if err := frame.DecodeParams(params); err != nil {
		return wire.Errorf(wire.CodeInvalidParams, "malformed %s params", frame.Method)
	}
	if err := params.Validate(); err != nil {
		var validation *wire.ValidationError
		if errors.As(err, &validation) {
			return validation.WireError()
		}
		return wire.Errorf(wire.CodeInvalidParams, "invalid %s params", frame.Method)
	}
	return nil
}

// resolveBinding maps an inbound (provider, channel, sender) triple to
// the agent and deterministic session that handle it.
func (g *Gateway) resolveBinding(ctx context.Context, provider, channelID, senderID string) (store.AgentConfig, string, *wire.Error) {
	bindings, err := g.store.ListBindings(ctx, provider)
	if err != nil {
		return store.AgentConfig{}, "", wire.AsError(err)
	}
	binding, ok := route.ResolveAgent(bindings, provider, channelID, senderID)
	if !ok {
		return store.AgentConfig{}, "", wire.Errorf(wire.CodeSessionNotFound, "no agent is bound to provider %q", provider)
	}
	agentCfg, ok, err := g.store.GetAgent(ctx, binding.AgentID)
	if err != nil {
		return store.AgentConfig{}, "", wire.AsError(err)
	}
	if !ok {
		return store.AgentConfig{}, "", wire.Errorf(wire.CodeAgentNotFound, "agent %q not found", binding.AgentID)
	}
	agentCfg = agentCfg.Normalize()
	sessionID := route.SessionID(agentCfg.SessionMode, provider, channelID, senderID)
	return agentCfg, sessionID, nil
}

func (g *Gateway) handleSessionResolve(ctx context.Context, frame *wire.Frame) (any, *wire.Error) {
	var params wire.SessionResolveParams
	if wireErr := decodeParams(frame, &params); wireErr != nil {
		return nil, wireErr
	}
	agentCfg, sessionID, wireErr := g.resolveBinding(ctx, params.Provider, params.ChannelID, params.SenderID)
	if wireErr != nil {
		return nil, wireErr
	}
	created, err := g.store.EnsureSession(ctx, agentCfg.ID, sessionID)
	if err != nil {
		return nil, wire.AsError(err)
	}
	return wire.SessionResolveResult{
		AgentID:   agentCfg.ID,
		SessionID: sessionID,
		Created:   created,
	}, nil
}

func (g *Gateway) handleMessageSend(ctx context.Context, conn *Conn, frame *wire.Frame) (any, *wire.Error) {
	var params wire.MessageSendParams
	if wireErr := decodeParams(frame, &params); wireErr != nil {
		return nil, wireErr
	}
	agentCfg, sessionID, wireErr := g.resolveBinding(ctx, params.Provider, params.ChannelID, params.SenderID)
	if wireErr != nil {
		return nil, wireErr
	}
	runID, err := g.engine.StartRun(ctx, agent.Request{
		AgentID:   agentCfg.ID,
		SessionID: sessionID,
		DeviceID:  conn.DeviceID,
		Provider:  params.Provider,
		ChannelID: params.ChannelID,
		SenderID:  params.SenderID,
		Message:   params.Text,
	})
	if err != nil {
		return nil, g.runStartError(err)
	}
	return wire.MessageSendResult{
		AgentID:   agentCfg.ID,
		SessionID: sessionID,
		RunID:     runID,
	}, nil
}

func (g *Gateway) handleAgentRun(ctx context.Context, conn *Conn, frame *wire.Frame) (any, *wire.Error) {
	var params wire.AgentRunParams
	if wireErr := decodeParams(frame, &params); wireErr != nil {
		return nil, wireErr
	}
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = "default"
	}
	runID, err := g.engine.StartRun(ctx, agent.Request{
		AgentID:   params.AgentID,
		SessionID: sessionID,
		DeviceID:  conn.DeviceID,
		Provider:  "rpc",
		Message:   params.Prompt,
	})
	if err != nil {
		return nil, g.runStartError(err)
	}
	return wire.AgentRunResult{RunID: runID, SessionID: sessionID}, nil
}

func (g *Gateway) runStartError(err error) *wire.Error {
	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		return wire.Errorf(wire.CodeAgentNotFound, "%v", err)
	default:
		g.logger.Error("run start failed", "error", err)
		return wire.AsError(err)
	}
}

func (g *Gateway) handleAgentCancel(ctx context.Context, frame *wire.Frame) (any, *wire.Error) {
	var params wire.AgentCancelParams
	if wireErr := decodeParams(frame, &params); wireErr != nil {
		return nil, wireErr
	}
	state, err := g.engine.Cancel(ctx, params.RunID)
	if err != nil {
		if errors.Is(err, agent.ErrRunNotFound) {
			return nil, wire.Errorf(wire.CodeRunNotFound, "run %q not found", params.RunID)
		}
		return nil, wire.AsError(err)
	}
	return wire.AgentCancelResult{RunID: params.RunID, State: string(state)}, nil
}

func (g *Gateway) handleStatusGet(ctx context.Context) (any, *wire.Error) {
	sessions, err := g.store.CountSessions(ctx)
	if err != nil {
		return nil, wire.AsError(err)
	}
	return wire.StatusResult{
		ServerVersion: g.cfg.ServerVersion,
		UptimeSec:     g.uptime(),
		Connections:   g.registry.countByRole(),
		ActiveRuns:    g.engine.ActiveRuns(),
		Sessions:      sessions,
		EventsDropped: g.eventsDropped.Load(),
	}, nil
}

func (g *Gateway) handleExecRequest(ctx context.Context, conn *Conn, frame *wire.Frame) (any, *wire.Error) {
	var params wire.ExecRequestParams
	if wireErr := decodeParams(frame, &params); wireErr != nil {
		return nil, wireErr
	}
	execID, wireErr := g.fileExecRequest(ctx, "", store.ExecRequest{
		NodeDeviceID: params.NodeDeviceID,
		RequestedBy:  conn.DeviceID,
		Command:      params.Command,
		Args:         params.Args,
		Cwd:          params.Cwd,
		TimeoutSec:   params.TimeoutSec,
	})
	if wireErr != nil {
		return nil, wireErr
	}
	return wire.ExecRequestResult{ExecID: execID, State: string(store.ExecPending)}, nil
}

func (g *Gateway) handleExecApprove(ctx context.Context, conn *Conn, frame *wire.Frame) (any, *wire.Error) {
	var params wire.ExecApproveParams
	if wireErr := decodeParams(frame, &params); wireErr != nil {
		return nil, wireErr
	}

	pending, ok, err := g.store.GetExec(ctx, params.ExecID)
	if err != nil {
		return nil, wire.AsError(err)
	}
	if !ok {
		return nil, wire.Errorf(wire.CodeInvalidParams, "exec request %q not found", params.ExecID)
	}

	// Approval is only meaningful when the command can actually be
	// delivered: v1 has no queue for offline nodes, so the decision is
	// refused and may be retried once the node reconnects.
	var nodeConns []*Conn
	if params.Approve {
		nodeConns = g.registry.device(pending.NodeDeviceID)
		if len(nodeConns) == 0 {
			return nil, wire.Errorf(wire.CodeExecDenied, "node %q is not connected", pending.NodeDeviceID).WithRetryable(true)
		}
	}

	decided, err := g.store.DecideExec(ctx, params.ExecID, params.Approve, conn.DeviceID, params.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrExecNotFound):
			return nil, wire.Errorf(wire.CodeInvalidParams, "exec request %q not found", params.ExecID)
		case errors.Is(err, store.ErrExecAlreadyDecided):
			return nil, wire.Errorf(wire.CodeExecDenied, "exec request %q is already decided", params.ExecID)
		default:
			return nil, wire.AsError(err)
		}
	}

	g.recordAudit(audit.Event{
		Kind:     audit.KindExecDecided,
		DeviceID: conn.DeviceID,
		Detail: map[string]any{
			"exec_id": decided.ExecID,
			"state":   string(decided.State),
			"node":    decided.NodeDeviceID,
		},
	})

	if params.Approve {
		command, err := wire.NewEvent(wire.EventExecCommand, wire.ExecCommandEventData{
			ExecID:     decided.ExecID,
			Command:    decided.Command,
			Args:       decided.Args,
			Cwd:        decided.Cwd,
			TimeoutSec: decided.TimeoutSec,
		}, g.clock.Now())
		if err == nil {
			for _, nodeConn := range nodeConns {
				g.send(nodeConn, command)
			}
		}
	}

	g.notifyExecStatus(decided.RequestedBy, wire.ExecStatusEventData{
		ExecID:       decided.ExecID,
		NodeDeviceID: decided.NodeDeviceID,
		State:        string(decided.State),
		Reason:       decided.Reason,
	})
	return wire.ExecApproveResult{ExecID: decided.ExecID, State: string(decided.State)}, nil
}

func (g *Gateway) handleExecResult(ctx context.Context, conn *Conn, frame *wire.Frame) (any, *wire.Error) {
	var params wire.ExecResultParams
	if wireErr := decodeParams(frame, &params); wireErr != nil {
		return nil, wireErr
	}
	completed, err := g.store.CompleteExec(ctx, params.ExecID, conn.DeviceID, params.ExitCode, params.Stdout, params.Stderr)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrExecNotFound):
			return nil, wire.Errorf(wire.CodeInvalidParams, "exec request %q not found", params.ExecID)
		case errors.Is(err, store.ErrExecWrongNode):
			return nil, wire.Errorf(wire.CodePermissionDenied, "exec request %q targets another node", params.ExecID)
		case errors.Is(err, store.ErrExecNotApproved):
			return nil, wire.Errorf(wire.CodeExecDenied, "exec request %q is not approved", params.ExecID)
		default:
			return nil, wire.AsError(err)
		}
	}

	g.recordAudit(audit.Event{
		Kind:     audit.KindExecCompleted,
		DeviceID: conn.DeviceID,
		Detail: map[string]any{
			"exec_id":   completed.ExecID,
			"exit_code": params.ExitCode,
		},
	})
	g.notifyExecStatus(completed.RequestedBy, wire.ExecStatusEventData{
		ExecID:       completed.ExecID,
		NodeDeviceID: completed.NodeDeviceID,
		State:        string(completed.State),
		ExitCode:     completed.ExitCode,
	})
	return wire.ExecResultAck{ExecID: completed.ExecID, State: string(completed.State)}, nil
}

func (g *Gateway) handleDeviceRevoke(ctx context.Context, conn *Conn, frame *wire.Frame) (any, *wire.Error) {
	var params wire.DeviceRevokeParams
	if wireErr := decodeParams(frame, &params); wireErr != nil {
		return nil, wireErr
	}
	if err := g.store.RevokeDevice(ctx, params.DeviceID, params.Reason); err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			return nil, wire.Errorf(wire.CodeInvalidParams, "device %q not found", params.DeviceID)
		}
		return nil, wire.AsError(err)
	}
	closed := g.registry.disconnectDevice(params.DeviceID)

	g.recordAudit(audit.Event{
		Kind:     audit.KindDeviceRevoked,
		DeviceID: params.DeviceID,
		Detail: map[string]any{
			"revoked_by":         conn.DeviceID,
			"reason":             params.Reason,
			"connections_closed": closed,
		},
	})
	g.logger.Info("device revoked",
		"device_id", params.DeviceID,
		"revoked_by", conn.DeviceID,
		"connections_closed", closed,
	)
	return wire.DeviceRevokeResult{DeviceID: params.DeviceID, ConnectionsClosed: closed}, nil
}

func (g *Gateway) handlePluginDisable(frame *wire.Frame) (any, *wire.Error) {
	var params wire.PluginDisableParams
	if wireErr := decodeParams(frame, &params); wireErr != nil {
		return nil, wireErr
	}
	count := 0
	for _, reg := range g.hooks.Registrations() {
		if reg.Plugin == params.Plugin && !reg.Disabled {
			count++
		}
	}
	if err := g.hooks.DisablePlugin(params.Plugin); err != nil {
		return nil, wire.Errorf(wire.CodePluginError, "%v", err)
	}
	return wire.PluginDisableResult{
		Plugin:                params.Plugin,
		RegistrationsDisabled: count,
	}, nil
}

func (g *Gateway) handleHeartbeatPong(conn *Conn, frame *wire.Frame) (any, *wire.Error) {
	var params wire.HeartbeatPongParams
	if wireErr := decodeParams(frame, &params); wireErr != nil {
		return nil, wireErr
	}
	if !auth.TokensEqual(params.SessionToken, conn.token()) {
		// The response must still reach the peer before the close.
		conn.closeAfterReply.Store(true)
		return nil, wire.Errorf(wire.CodeSessionTokenExpired, "session token is stale")
	}
	fresh, err := auth.GenerateSessionToken()
	if err != nil {
		return nil, wire.Errorf(wire.CodeInternal, "internal error")
	}
	conn.rotateToken(fresh)
	conn.notePong()
	return wire.HeartbeatPongResult{Seq: params.Seq, SessionToken: fresh}, nil
}
