// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// Conn is one authenticated connection. It is created only after the
// handshake succeeds; everything the request pipeline needs to know
// about the caller (device, role) is fixed here and cannot change for
// the connection's lifetime.
type Conn struct {
	// ID is the server-assigned connection id returned in the
	// handshake response.
	ID string

	// DeviceID and Role come from the device record, not the
	// handshake params. Role is what RBAC checks.
	DeviceID string
	Role     wire.Role

	// Capabilities is whatever the peer advertised at connect.
	// Informational.
	Capabilities []string

	netConn net.Conn
	writer  *wire.Writer
	limiter *rate.Limiter

	// events is the bounded outbound queue, drained by a single
	// goroutine. sendEvent never blocks on it.
	events chan *wire.Frame

	// pongs wakes the heartbeat monitor. Capacity 1: coalescing
	// pongs is fine, the monitor only needs to know one arrived.
	pongs chan struct{}

	// closeAfterReply asks the read loop to close the connection
	// after writing the in-flight response. Set by handlers whose
	// error response must still reach the peer (stale pong token).
	closeAfterReply atomic.Bool

	mu           sync.Mutex
	sessionToken string

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, netConn net.Conn, device, token string, role wire.Role, capabilities []string, limiter *rate.Limiter, queueSize int) *Conn {
	return &Conn{
		ID:           id,
		DeviceID:     device,
		Role:         role,
		Capabilities: capabilities,
		netConn:      netConn,
		writer:       wire.NewWriter(netConn),
		limiter:      limiter,
		events:       make(chan *wire.Frame, queueSize),
		pongs:        make(chan struct{}, 1),
		sessionToken: token,
		closed:       make(chan struct{}),
	}
}

// sendEvent queues an event frame for delivery. Returns false when the
// queue is full or the connection is closed; the event is dropped
// either way. Never blocks.
func (c *Conn) sendEvent(frame *wire.Frame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.events <- frame:
		return true
	default:
		return false
	}
}

// drainEvents is the single writer for the event queue. Runs until the
// connection closes; a write failure closes the connection, since the
// stream is broken for responses too.
func (c *Conn) drainEvents() {
	for {
		select {
		case frame := <-c.events:
			if err := c.writer.Write(frame); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// writeFrame writes a frame directly, bypassing the event queue. Used
// for RPC responses, which must not be droppable. The wire.Writer
// mutex serializes this against the event drainer.
func (c *Conn) writeFrame(frame *wire.Frame) error {
	return c.writer.Write(frame)
}

// token returns the current heartbeat session token.
func (c *Conn) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken
}

// rotateToken installs a fresh session token, invalidating the prior
// one.
func (c *Conn) rotateToken(token string) {
	c.mu.Lock()
	c.sessionToken = token
	c.mu.Unlock()
}

// notePong wakes the heartbeat monitor without blocking.
func (c *Conn) notePong() {
	select {
	case c.pongs <- struct{}{}:
	default:
	}
}

// Close shuts the connection down. Idempotent; safe from any
// goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.netConn.Close()
	})
}

// Done returns a channel closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}
