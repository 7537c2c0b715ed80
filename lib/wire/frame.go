// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/codec"
)

// ProtocolVersion is the single protocol version this build speaks.
// Frames carrying any other version are rejected; there is no
// downgrade negotiation.
const ProtocolVersion = 1

// DefaultMaxFrameBytes caps the size of a single frame on the wire.
// 1 MB is generous for any v1 method; larger payloads belong in the
// workspace, not the protocol.
const DefaultMaxFrameBytes = 1024 * 1024

// FrameType discriminates the three frame shapes in the envelope.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// Frame is the single wire envelope. Which fields are populated
// depends on Type; Validate enforces the per-type shape. Params, Result
// and Data stay raw so the connection layer can route and the
// idempotency store can replay responses without re-encoding.
type Frame struct {
	V    int       `cbor:"v"`
	Type FrameType `cbor:"type"`

	// Request and response fields. ID is chosen by the requester and
	// echoed on the response.
	ID             string           `cbor:"id,omitempty"`
	Method         Method           `cbor:"method,omitempty"`
	Params         codec.RawMessage `cbor:"params,omitempty"`
	IdempotencyKey string           `cbor:"idempotency_key,omitempty"`
	Result         codec.RawMessage `cbor:"result,omitempty"`
	Error          *Error           `cbor:"error,omitempty"`

	// Event fields.
	Event EventName        `cbor:"event,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`

	// TS is the sender's clock at send time, Unix milliseconds.
	// Informational; the handshake's replay window uses the signed
	// timestamp inside connect params, not this field.
	TS int64 `cbor:"ts,omitempty"`
}

// NewRequest builds a request frame, marshaling params to CBOR.
func NewRequest(id string, method Method, params any, now time.Time) (*Frame, error) {
	raw, err := codec.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}
	return &Frame{
		V:      ProtocolVersion,
		Type:   FrameRequest,
		ID:     id,
		Method: method,
		Params: raw,
		TS:     now.UnixMilli(),
	}, nil
}

// NewResponse builds a success response frame for the request with the
// given id, marshaling result to CBOR. A nil result produces a
// response with no result field.
func NewResponse(id string, result any, now time.Time) (*Frame, error) {
	frame := &Frame{
		V:    ProtocolVersion,
		Type: FrameResponse,
		ID:   id,
		TS:   now.UnixMilli(),
	}
	if result != nil {
		raw, err := codec.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshaling response result: %w", err)
		}
		frame.Result = raw
	}
	return frame, nil
}

// NewRawResponse builds a success response frame carrying
// pre-encoded result bytes. The idempotency layer uses this to replay
// cached results byte-identically.
func NewRawResponse(id string, result codec.RawMessage, now time.Time) *Frame {
	return &Frame{
		V:      ProtocolVersion,
		Type:   FrameResponse,
		ID:     id,
		Result: result,
		TS:     now.UnixMilli(),
	}
}

// NewErrorResponse builds a failure response frame.
func NewErrorResponse(id string, wireErr *Error, now time.Time) *Frame {
	return &Frame{
		V:     ProtocolVersion,
		Type:  FrameResponse,
		ID:    id,
		Error: wireErr,
		TS:    now.UnixMilli(),
	}
}

// NewEvent builds an event frame, marshaling data to CBOR.
func NewEvent(name EventName, data any, now time.Time) (*Frame, error) {
	raw, err := codec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s event: %w", name, err)
	}
	return &Frame{
		V:     ProtocolVersion,
		Type:  FrameEvent,
		Event: name,
		Data:  raw,
		TS:    now.UnixMilli(),
	}, nil
}

// DecodeParams decodes the frame's params into v.
func (f *Frame) DecodeParams(v any) error {
	if len(f.Params) == 0 {
		return errors.New("frame has no params")
	}
	return codec.Unmarshal(f.Params, v)
}

// DecodeResult decodes the frame's result into v.
func (f *Frame) DecodeResult(v any) error {
	if len(f.Result) == 0 {
		return errors.New("frame has no result")
	}
	return codec.Unmarshal(f.Result, v)
}

// DecodeData decodes the frame's event data into v.
func (f *Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return errors.New("frame has no data")
	}
	return codec.Unmarshal(f.Data, v)
}

// Validate checks the envelope's structural shape: version, type, and
// the per-type required fields. It does not decode params; per-method
// params validation happens in handlers.
func (f *Frame) Validate() *Error {
	if f.V != ProtocolVersion {
		return Errorf(CodeInvalidHandshake, "unsupported protocol version %d (this gateway speaks %d)", f.V, ProtocolVersion)
	}
	switch f.Type {
	case FrameRequest:
		if f.ID == "" {
			return Errorf(CodeInvalidParams, "request frame missing id")
		}
		if f.Method == "" {
			return Errorf(CodeInvalidParams, "request frame missing method")
		}
	case FrameResponse:
		if f.ID == "" {
			return Errorf(CodeInvalidParams, "response frame missing id")
		}
		if (f.Result != nil) == (f.Error != nil) {
			return Errorf(CodeInvalidParams, "response frame must carry exactly one of result or error")
		}
	case FrameEvent:
		if f.Event == "" {
			return Errorf(CodeInvalidParams, "event frame missing event name")
		}
	default:
		return Errorf(CodeInvalidParams, "unknown frame type %q", f.Type)
	}
	return nil
}

// ErrFrameTooLarge is returned by Reader when a single frame exceeds
// the configured size cap. The connection is unusable afterwards: the
// oversized frame was truncated mid-item, so the stream position is
// lost.
var ErrFrameTooLarge = errors.New("wire: frame exceeds size limit")

// Reader decodes a stream of frames from r. A size cap bounds how many
// bytes any single Read can pull off the wire, so a misbehaving peer
// cannot exhaust memory with one giant frame.
//
// Reader is not safe for concurrent use; each connection has exactly
// one read loop.
type Reader struct {
	limited  *io.LimitedReader
	decoder  *codec.Decoder
	maxBytes int64
}

// NewReader wraps r with a frame decoder capped at maxBytes per frame.
// maxBytes <= 0 uses DefaultMaxFrameBytes.
func NewReader(r io.Reader, maxBytes int64) *Reader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	limited := &io.LimitedReader{R: r, N: maxBytes}
	return &Reader{
		limited:  limited,
		decoder:  codec.NewDecoder(limited),
		maxBytes: maxBytes,
	}
}

// Read decodes the next frame. Returns ErrFrameTooLarge when the size
// cap cut a frame short, io.EOF when the peer closed cleanly.
func (r *Reader) Read() (*Frame, error) {
	// Refill the byte budget for this frame. The decoder may hold
	// read-ahead from the previous frame; the budget bounds fresh
	// bytes pulled from the connection per Decode call, which is what
	// caps memory.
	r.limited.N = r.maxBytes

	var frame Frame
	if err := r.decoder.Decode(&frame); err != nil {
		if r.limited.N <= 0 {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return &frame, nil
}

// Writer encodes frames to w. The mutex makes Write safe for the two
// producers a connection has: the RPC response path and the event
// queue drainer.
type Writer struct {
	mu      sync.Mutex
	encoder *codec.Encoder
}

// NewWriter wraps w with a frame encoder.
func NewWriter(w io.Writer) *Writer {
	return &Writer{encoder: codec.NewEncoder(w)}
}

// Write encodes one frame. Frames from concurrent callers are
// serialized whole; partial interleaving cannot occur.
func (w *Writer) Write(frame *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(frame)
}
