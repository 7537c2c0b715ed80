// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package client speaks the gateway's frame protocol from the device
// side: one persistent connection, the HMAC handshake, request/response
// matching by frame id, and automatic heartbeat pongs with token
// rotation. The operator CLI and execution-node adapters build on it.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-project/gatehouse/lib/auth"
	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/codec"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// dialTimeout covers the connect phase only; calls carry their own
// context deadlines.
const dialTimeout = 10 * time.Second

// eventBuffer bounds events held for a slow consumer. Matching the
// gateway, a full buffer drops rather than stalling the read loop.
const eventBuffer = 256

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client: connection closed")

// Config configures a gateway connection.
type Config struct {
	// Address is the gateway's host:port.
	Address string

	// TLS enables TLS when non-nil. Plaintext is for local
	// development only.
	TLS *tls.Config

	// DeviceID and Role must match the pairing record.
	DeviceID string
	Role     wire.Role

	// PairingSecret is the secret shown at pairing time. The client
	// derives the same verify key the gateway stored; the secret
	// itself never crosses the wire.
	PairingSecret []byte

	// Origin is set by browser-facing bridges forwarding a browser
	// connection. Usually empty.
	Origin string

	// Capabilities advertises what this peer can do.
	Capabilities []string

	// MaxFrameBytes caps inbound frames. Zero uses the protocol
	// default.
	MaxFrameBytes int64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client is one authenticated gateway connection. Safe for concurrent
// calls; responses are matched to callers by frame id.
type Client struct {
	conn    net.Conn
	reader  *wire.Reader
	writer  *wire.Writer
	clock   clock.Clock
	logger  *slog.Logger
	connect wire.ConnectResult

	mu           sync.Mutex
	pending      map[string]chan *wire.Frame
	sessionToken string
	nextID       uint64
	readErr      error

	events chan *wire.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects, authenticates, and starts the read loop. The context
// bounds the handshake only.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("client: config: Address is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("client: config: DeviceID is required")
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("client: config: invalid role %q", cfg.Role)
	}
	if len(cfg.PairingSecret) == 0 {
		return nil, fmt.Errorf("client: config: PairingSecret is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	verifyKey, err := auth.DeriveVerifyKey(cfg.PairingSecret, cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("client: deriving verify key: %w", err)
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	var conn net.Conn
	if cfg.TLS != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: cfg.TLS}).DialContext(ctx, "tcp", cfg.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("client: dialing %s: %w", cfg.Address, err)
	}

	c := &Client{
		conn:    conn,
		reader:  wire.NewReader(conn, cfg.MaxFrameBytes),
		writer:  wire.NewWriter(conn),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		pending: make(map[string]chan *wire.Frame),
		events:  make(chan *wire.Frame, eventBuffer),
		closed:  make(chan struct{}),
	}

	if err := c.handshake(ctx, cfg, verifyKey); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context, cfg Config, verifyKey []byte) error {
	nonce := uuid.NewString()
	timestamp := c.clock.Now().Unix()
	params := wire.ConnectParams{
		Role:         cfg.Role,
		DeviceID:     cfg.DeviceID,
		AuthToken:    auth.ComputeAuthToken(verifyKey, cfg.DeviceID, nonce, timestamp),
		Nonce:        nonce,
		Timestamp:    timestamp,
		Capabilities: cfg.Capabilities,
		Origin:       cfg.Origin,
	}
	frame, err := wire.NewRequest("connect-1", wire.MethodConnect, params, c.clock.Now())
	if err != nil {
		return fmt.Errorf("client: building connect frame: %w", err)
	}
	if err := c.writer.Write(frame); err != nil {
		return fmt.Errorf("client: writing connect frame: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Now().Add(dialTimeout))
	}
	resp, err := c.reader.Read()
	if err != nil {
		return fmt.Errorf("client: reading connect response: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	if resp.Error != nil {
		return fmt.Errorf("client: handshake rejected: %w", resp.Error)
	}
	if err := resp.DecodeResult(&c.connect); err != nil {
		return fmt.Errorf("client: decoding connect result: %w", err)
	}
	c.sessionToken = c.connect.SessionToken
	return nil
}

// Connect returns the handshake result (connection id, server
// version, heartbeat interval).
func (c *Client) Connect() wire.ConnectResult {
	return c.connect
}

// Events returns the server-push event stream. Heartbeat pings are
// handled internally and never appear here. The channel is closed
// when the connection dies; a consumer that falls behind loses the
// oldest unread events.
func (c *Client) Events() <-chan *wire.Frame {
	return c.events
}

// Call sends a request and decodes the response result into result
// (ignored when nil). Gateway failures come back as *wire.Error.
func (c *Client) Call(ctx context.Context, method wire.Method, params, result any) error {
	return c.call(ctx, method, params, result, "")
}

// CallIdempotent is Call with an idempotency key. Required for
// message.send, agent.run, node.exec.request, and node.exec.approve.
func (c *Client) CallIdempotent(ctx context.Context, method wire.Method, params, result any, key string) error {
	if key == "" {
		key = uuid.NewString()
	}
	return c.call(ctx, method, params, result, key)
}

func (c *Client) call(ctx context.Context, method wire.Method, params, result any, idempotencyKey string) error {
	select {
	case <-c.closed:
		return c.closeReason()
	default:
	}

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := fmt.Sprintf("rpc-%d", c.nextID)
	ch := make(chan *wire.Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := wire.NewRequest(id, method, params, c.clock.Now())
	if err != nil {
		return fmt.Errorf("client: building %s frame: %w", method, err)
	}
	frame.IdempotencyKey = idempotencyKey
	if err := c.writer.Write(frame); err != nil {
		return fmt.Errorf("client: writing %s frame: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := codec.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("client: decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-c.closed:
		return c.closeReason()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop is the single reader: responses route to waiting callers,
// pings are answered, everything else is an event for the consumer.
func (c *Client) readLoop() {
	defer func() {
		close(c.events)
		c.Close()
	}()
	for {
		frame, err := c.reader.Read()
		if err != nil {
			c.mu.Lock()
			if c.readErr == nil {
				c.readErr = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			c.mu.Unlock()
			return
		}
		switch frame.Type {
		case wire.FrameResponse:
			c.mu.Lock()
			ch := c.pending[frame.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- frame
			}
		case wire.FrameEvent:
			if frame.Event == wire.EventHeartbeatPing {
				var ping wire.PingEventData
				if err := frame.DecodeData(&ping); err == nil {
					go c.pong(ping.Seq)
				}
				continue
			}
			select {
			case c.events <- frame:
			default:
				c.logger.Warn("event dropped by slow consumer", "event", string(frame.Event))
			}
		}
	}
}

// pong answers a heartbeat ping with the current session token and
// installs the rotated one from the response.
func (c *Client) pong(seq uint64) {
	c.mu.Lock()
	token := c.sessionToken
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var result wire.HeartbeatPongResult
	if err := c.call(ctx, wire.MethodHeartbeatPong, wire.HeartbeatPongParams{Seq: seq, SessionToken: token}, &result, ""); err != nil {
		c.logger.Warn("heartbeat pong failed", "error", err)
		return
	}
	c.mu.Lock()
	c.sessionToken = result.SessionToken
	c.mu.Unlock()
}

func (c *Client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

// Close tears the connection down. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}
