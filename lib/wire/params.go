// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Params and result types for every v1 method, plus event payloads.
// These types cross the wire as CBOR and appear in CLI --json output,
// so they carry json tags (fxamacker/cbor reads them as fallback).
//
// Each params type has a Validate method returning a *ValidationError
// listing every structural problem at once; handlers call it before
// touching any state.

// ConnectParams is the handshake request. It must be the first frame
// on a connection.
type ConnectParams struct {
	// Role must match the role the device was paired with.
	Role Role `json:"role"`
	// DeviceID identifies the paired device.
	DeviceID string `json:"device_id"`
	// AuthToken is hex(HMAC-SHA256(verifyKey, device_id||nonce||timestamp)).
	AuthToken string `json:"auth_token"`
	// Nonce is a caller-generated random value, single-use per device
	// within the replay window.
	Nonce string `json:"nonce"`
	// Timestamp is the caller's clock in Unix seconds; it is part of
	// the HMAC input and must be within the replay window of the
	// gateway's clock.
	Timestamp int64 `json:"timestamp"`
	// Capabilities optionally advertises what the peer can do
	// (node tool names, client UI features). Informational.
	Capabilities []string `json:"capabilities,omitempty"`
	// Origin is set by browser-facing bridges forwarding a browser
	// connection; when present it is checked against the origin
	// allowlist before any credential processing.
	Origin string `json:"origin,omitempty"`
}

// Validate checks the handshake shape. HMAC and nonce verification is
// the auth layer's job; this only rejects structurally broken frames.
func (p *ConnectParams) Validate() error {
	e := &ValidationError{}
	if !p.Role.Valid() {
		e.Add("params.role", "must be one of client, node, admin")
	}
	if p.DeviceID == "" {
		e.Add("params.device_id", "required")
	}
	if p.AuthToken == "" {
		e.Add("params.auth_token", "required")
	}
	if p.Nonce == "" {
		e.Add("params.nonce", "required")
	}
	if p.Timestamp == 0 {
		e.Add("params.timestamp", "required")
	}
	return e.OrNil()
}

// ConnectResult is the successful handshake response.
type ConnectResult struct {
	ConnectionID  string `json:"connection_id"`
	Approved      bool   `json:"approved"`
	ServerVersion string `json:"server_version"`
	// HeartbeatSec is the ping interval; a pong must arrive within
	// twice this or the connection is force-closed.
	HeartbeatSec int `json:"heartbeat_sec"`
	// SessionToken must be echoed in heartbeat.pong requests. Each
	// accepted pong rotates it.
	SessionToken string `json:"session_token"`
}

// SessionResolveParams maps an inbound (provider, channel, sender)
// triple to an agent and session via the binding table.
type SessionResolveParams struct {
	Provider  string `json:"provider"`
	ChannelID string `json:"channel_id,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
}

func (p *SessionResolveParams) Validate() error {
	e := &ValidationError{}
	if p.Provider == "" {
		e.Add("params.provider", "required")
	}
	return e.OrNil()
}

// SessionResolveResult names the agent and session that would handle
// messages from the given scope.
type SessionResolveResult struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	// Created is true when this resolution created the session.
	Created bool `json:"created"`
}

// MessageSendParams submits an inbound message. The binding table
// picks the agent and session; the message starts an agentic run whose
// output streams back as events.
type MessageSendParams struct {
	Provider  string `json:"provider"`
	ChannelID string `json:"channel_id,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
	Text      string `json:"text"`
}

func (p *MessageSendParams) Validate() error {
	e := &ValidationError{}
	if p.Provider == "" {
		e.Add("params.provider", "required")
	}
	if p.Text == "" {
		e.Add("params.text", "required")
	}
	return e.OrNil()
}

// MessageSendResult acknowledges intake. The run's output follows as
// agent.delta / agent.tool_call / agent.turn_complete events.
type MessageSendResult struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
}

// AgentRunParams starts a run on an explicit agent and session,
// bypassing binding resolution.
type AgentRunParams struct {
	AgentID string `json:"agent_id"`
	// SessionID defaults to "default" when empty.
	SessionID string `json:"session_id,omitempty"`
	Prompt    string `json:"prompt"`
}

func (p *AgentRunParams) Validate() error {
	e := &ValidationError{}
	if p.AgentID == "" {
		e.Add("params.agent_id", "required")
	}
	if p.Prompt == "" {
		e.Add("params.prompt", "required")
	}
	return e.OrNil()
}

// AgentRunResult acknowledges the started run.
type AgentRunResult struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// AgentCancelParams requests cancellation of an in-flight run. The
// run observes the request at its next checkpoint.
type AgentCancelParams struct {
	RunID string `json:"run_id"`
}

func (p *AgentCancelParams) Validate() error {
	e := &ValidationError{}
	if p.RunID == "" {
		e.Add("params.run_id", "required")
	}
	return e.OrNil()
}

// AgentCancelResult reports the run state after the cancel request
// was recorded.
type AgentCancelResult struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// StatusResult is the status.get response. status.get takes no
// params.
type StatusResult struct {
	ServerVersion string         `json:"server_version"`
	UptimeSec     int64          `json:"uptime_sec"`
	Connections   map[string]int `json:"connections"`
	ActiveRuns    int            `json:"active_runs"`
	Sessions      int            `json:"sessions"`
	EventsDropped uint64         `json:"events_dropped"`
}

// ExecRequestParams asks for a command to run on a node. Nothing
// executes until an admin approves.
type ExecRequestParams struct {
	NodeDeviceID string   `json:"node_device_id"`
	Command      string   `json:"command"`
	Args         []string `json:"args,omitempty"`
	Cwd          string   `json:"cwd,omitempty"`
	TimeoutSec   int      `json:"timeout_sec,omitempty"`
}

func (p *ExecRequestParams) Validate() error {
	e := &ValidationError{}
	if p.NodeDeviceID == "" {
		e.Add("params.node_device_id", "required")
	}
	if p.Command == "" {
		e.Add("params.command", "required")
	}
	if p.TimeoutSec < 0 {
		e.Add("params.timeout_sec", "must not be negative")
	}
	return e.OrNil()
}

// ExecRequestResult acknowledges the pending request.
type ExecRequestResult struct {
	ExecID string `json:"exec_id"`
	State  string `json:"state"`
}

// ExecApproveParams resolves a pending exec request.
type ExecApproveParams struct {
	ExecID  string `json:"exec_id"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func (p *ExecApproveParams) Validate() error {
	e := &ValidationError{}
	if p.ExecID == "" {
		e.Add("params.exec_id", "required")
	}
	return e.OrNil()
}

// ExecApproveResult reports the request's new state.
type ExecApproveResult struct {
	ExecID string `json:"exec_id"`
	State  string `json:"state"`
}

// ExecResultParams carries a node's outcome for an approved exec.
type ExecResultParams struct {
	ExecID   string `json:"exec_id"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (p *ExecResultParams) Validate() error {
	e := &ValidationError{}
	if p.ExecID == "" {
		e.Add("params.exec_id", "required")
	}
	return e.OrNil()
}

// ExecResultAck confirms the stored result.
type ExecResultAck struct {
	ExecID string `json:"exec_id"`
	State  string `json:"state"`
}

// DeviceRevokeParams revokes a device's approval and closes its live
// connections.
type DeviceRevokeParams struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason,omitempty"`
}

func (p *DeviceRevokeParams) Validate() error {
	e := &ValidationError{}
	if p.DeviceID == "" {
		e.Add("params.device_id", "required")
	}
	return e.OrNil()
}

// DeviceRevokeResult reports how many live connections were closed.
type DeviceRevokeResult struct {
	DeviceID          string `json:"device_id"`
	ConnectionsClosed int    `json:"connections_closed"`
}

// PluginDisableParams deactivates every hook registration owned by a
// plugin.
type PluginDisableParams struct {
	Plugin string `json:"plugin"`
	Reason string `json:"reason,omitempty"`
}

func (p *PluginDisableParams) Validate() error {
	e := &ValidationError{}
	if p.Plugin == "" {
		e.Add("params.plugin", "required")
	}
	return e.OrNil()
}

// PluginDisableResult reports how many registrations were
// deactivated.
type PluginDisableResult struct {
	Plugin                string `json:"plugin"`
	RegistrationsDisabled int    `json:"registrations_disabled"`
}

// HeartbeatPongParams answers a heartbeat.ping. The echoed session
// token proves the pong comes from the authenticated peer, not a
// replay.
type HeartbeatPongParams struct {
	Seq          uint64 `json:"seq"`
	SessionToken string `json:"session_token"`
}

func (p *HeartbeatPongParams) Validate() error {
	e := &ValidationError{}
	if p.SessionToken == "" {
		e.Add("params.session_token", "required")
	}
	return e.OrNil()
}

// HeartbeatPongResult carries the rotated session token. The client
// must use it for the next pong; the old token is dead.
type HeartbeatPongResult struct {
	Seq          uint64 `json:"seq"`
	SessionToken string `json:"session_token"`
}

// PingEventData is the heartbeat.ping payload.
type PingEventData struct {
	Seq uint64 `json:"seq"`
}

// DeltaEventData is one streamed model output fragment.
type DeltaEventData struct {
	RunID     string `json:"run_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Text      string `json:"text"`
}

// ToolCallEventData reports a completed tool invocation.
type ToolCallEventData struct {
	RunID      string `json:"run_id"`
	AgentID    string `json:"agent_id"`
	SessionID  string `json:"session_id"`
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	IsError    bool   `json:"is_error"`
	DurationMS int64  `json:"duration_ms"`
}

// TurnCompleteEventData marks a run's final turn reaching the
// transcript.
type TurnCompleteEventData struct {
	RunID        string `json:"run_id"`
	AgentID      string `json:"agent_id"`
	SessionID    string `json:"session_id"`
	Iterations   int    `json:"iterations"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Compacted    bool   `json:"compacted"`
}

// ErrorEventData reports a run that ended in ERROR or CANCELLED.
type ErrorEventData struct {
	RunID     string `json:"run_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	Error     *Error `json:"error"`
}

// ExecStatusEventData reports exec request state transitions.
type ExecStatusEventData struct {
	ExecID       string `json:"exec_id"`
	NodeDeviceID string `json:"node_device_id"`
	State        string `json:"state"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ExecCommandEventData delivers an approved command to its target
// node.
type ExecCommandEventData struct {
	ExecID     string   `json:"exec_id"`
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`
}
