// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Method identifies an RPC operation. The set is fixed per protocol
// version; requests naming a method outside the set are rejected with
// METHOD_NOT_FOUND before any handler runs.
type Method string

const (
	// MethodConnect is the handshake. It must be the first request on
	// a connection and is invalid once the connection is
	// authenticated.
	MethodConnect Method = "connect"

	// MethodSessionResolve maps a (provider, channel, sender) triple
	// to the agent and session that will handle it.
	MethodSessionResolve Method = "session.resolve"

	// MethodMessageSend submits an inbound message to a session.
	MethodMessageSend Method = "message.send"

	// MethodAgentRun starts an agentic loop run on a session.
	MethodAgentRun Method = "agent.run"

	// MethodAgentCancel requests cancellation of an in-flight run.
	MethodAgentCancel Method = "agent.cancel"

	// MethodStatusGet reports gateway health and counters.
	MethodStatusGet Method = "status.get"

	// MethodExecRequest asks for a command to be run on a node. The
	// request is held until an admin approves or denies it.
	MethodExecRequest Method = "node.exec.request"

	// MethodExecApprove resolves a pending exec request (admin only).
	MethodExecApprove Method = "node.exec.approve"

	// MethodExecResult submits the outcome of an approved exec. Only
	// the node the exec targets may call it.
	MethodExecResult Method = "node.exec.result"

	// MethodDeviceRevoke revokes a device's approval and closes all
	// of its live connections.
	MethodDeviceRevoke Method = "device.revoke"

	// MethodPluginDisable deactivates every hook registration owned
	// by a plugin.
	MethodPluginDisable Method = "plugin.disable"

	// MethodHeartbeatPong answers a heartbeat.ping event. Each
	// accepted pong rotates the connection's session token.
	MethodHeartbeatPong Method = "heartbeat.pong"
)

// methods is the closed set of post-handshake methods for protocol
// version 1. MethodConnect is deliberately absent: it is only valid
// before authentication and is dispatched by the handshake path, not
// the router.
var methods = map[Method]bool{
	MethodSessionResolve: true,
	MethodMessageSend:    true,
	MethodAgentRun:       true,
	MethodAgentCancel:    true,
	MethodStatusGet:      true,
	MethodExecRequest:    true,
	MethodExecApprove:    true,
	MethodExecResult:     true,
	MethodDeviceRevoke:   true,
	MethodPluginDisable:  true,
	MethodHeartbeatPong:  true,
}

// Known reports whether method is in the protocol's method set.
func (m Method) Known() bool { return methods[m] }

// idempotencyRequired lists the side-effecting methods that must carry
// an idempotency key. Requests without one are rejected with
// IDEMPOTENCY_KEY_REQUIRED before the handler runs.
var idempotencyRequired = map[Method]bool{
	MethodMessageSend: true,
	MethodAgentRun:    true,
	MethodExecRequest: true,
	MethodExecApprove: true,
}

// RequiresIdempotencyKey reports whether method must carry an
// idempotency key.
func (m Method) RequiresIdempotencyKey() bool { return idempotencyRequired[m] }

func (m Method) String() string { return string(m) }

// Role classifies a paired device and fixes which methods it may call.
// A device's role is set at pairing time and never changes.
type Role string

const (
	// RoleClient is an interactive client: sends messages, starts and
	// cancels runs, requests exec on nodes.
	RoleClient Role = "client"

	// RoleNode is a remote execution node: receives approved exec
	// commands and reports their results. Nodes can never initiate
	// agent runs or messages.
	RoleNode Role = "node"

	// RoleAdmin is an operator: full method access including device
	// revocation, exec approval, and plugin control.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the three defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleNode, RoleAdmin:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// EventName identifies a server-push event.
type EventName string

const (
	// EventAgentDelta carries one streamed model output fragment.
	EventAgentDelta EventName = "agent.delta"

	// EventAgentToolCall reports a tool invocation and its outcome.
	EventAgentToolCall EventName = "agent.tool_call"

	// EventAgentTurnComplete marks the end of a run's final turn.
	EventAgentTurnComplete EventName = "agent.turn_complete"

	// EventAgentError reports a run that ended in an error state.
	EventAgentError EventName = "agent.error"

	// EventExecStatus reports exec request state transitions to the
	// requester and to admins.
	EventExecStatus EventName = "node.exec.status"

	// EventExecCommand delivers an approved command to its target
	// node.
	EventExecCommand EventName = "node.exec.command"

	// EventHeartbeatPing asks the peer to prove liveness with a
	// heartbeat.pong request.
	EventHeartbeatPing EventName = "heartbeat.ping"
)

func (e EventName) String() string { return string(e) }
