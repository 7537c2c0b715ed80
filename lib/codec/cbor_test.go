// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

// sampleFrame is a representative wire protocol type using cbor
// struct tags (the convention for wire-only types).
type sampleFrame struct {
	Type   string `cbor:"type"`
	Method string `cbor:"method,omitempty"`
	Seq    int    `cbor:"seq"`
}

// sampleRecord uses json struct tags (the convention for types that
// serve both transcripts and the wire, relying on fxamacker's
// fallback).
type sampleRecord struct {
	Version int    `json:"version"`
	Kind    string `json:"kind"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleFrame{
		Type:   "req",
		Method: "session.resolve",
		Seq:    42,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleFrame
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	// Identical values must encode to identical bytes: the
	// idempotency store replays cached result bytes verbatim, so a
	// re-encoded response must not differ from the original.
	frame := sampleFrame{
		Type:   "res",
		Method: "message.send",
		Seq:    7,
	}

	first, err := Marshal(frame)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}

	second, err := Marshal(frame)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestEncoderDecoderStreamRoundtrip(t *testing.T) {
	// CBOR items are self-delimiting; a connection is a plain
	// sequence of frames with no length prefix.
	frames := []sampleFrame{
		{Type: "req", Method: "agent.run", Seq: 1},
		{Type: "res", Seq: 1},
		{Type: "event", Seq: 2},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, frame := range frames {
		if err := encoder.Encode(frame); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range frames {
		var got sampleFrame
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		if got != want {
			t.Errorf("frame %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestJSONTagFallback(t *testing.T) {
	// Types with json tags (no cbor tags) should encode/decode
	// correctly through our modes, using json tag names as CBOR map
	// keys.
	original := sampleRecord{Version: 1, Kind: "assistant"}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("json-tag roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestOmitemptyRespected(t *testing.T) {
	withMethod := sampleFrame{Type: "req", Method: "status.get", Seq: 1}
	withoutMethod := sampleFrame{Type: "res", Seq: 1}

	dataWith, err := Marshal(withMethod)
	if err != nil {
		t.Fatal(err)
	}
	dataWithout, err := Marshal(withoutMethod)
	if err != nil {
		t.Fatal(err)
	}

	if len(dataWithout) >= len(dataWith) {
		t.Errorf("omitempty not effective: without=%d bytes, with=%d bytes",
			len(dataWithout), len(dataWith))
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var frame sampleFrame
	err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &frame)
	if err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestRawMessagePassthrough(t *testing.T) {
	// The router carries params as RawMessage and the idempotency
	// store persists result bytes untouched. A value decoded into
	// RawMessage and re-emitted must be byte-identical.
	type envelope struct {
		Params RawMessage `cbor:"params"`
	}

	inner, err := Marshal(map[string]any{"agent_id": "triage", "text": "hello"})
	if err != nil {
		t.Fatalf("Marshal inner: %v", err)
	}

	outer, err := Marshal(envelope{Params: RawMessage(inner)})
	if err != nil {
		t.Fatalf("Marshal outer: %v", err)
	}

	var decoded envelope
	if err := Unmarshal(outer, &decoded); err != nil {
		t.Fatalf("Unmarshal outer: %v", err)
	}

	if !bytes.Equal(decoded.Params, inner) {
		t.Errorf("RawMessage passthrough altered bytes: got %x, want %x", decoded.Params, inner)
	}
}

func TestByteStringRoundtrip(t *testing.T) {
	// []byte fields must encode as CBOR byte strings (major type 2),
	// not text strings. This matters for carrying binary session
	// tokens and pre-serialized payloads.
	type envelope struct {
		Payload []byte `cbor:"payload"`
	}

	original := envelope{Payload: []byte(`{"key":"value"}`)}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded envelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("byte string roundtrip: got %q, want %q", decoded.Payload, original.Payload)
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"method": "agent.cancel"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if !strings.Contains(notation, `"method"`) {
		t.Errorf("notation %q does not contain \"method\"", notation)
	}
	if !strings.Contains(notation, `"agent.cancel"`) {
		t.Errorf("notation %q does not contain \"agent.cancel\"", notation)
	}
}

func BenchmarkMarshal(b *testing.B) {
	frame := sampleFrame{
		Type:   "req",
		Method: "message.send",
		Seq:    42,
	}

	b.ReportAllocs()
	for b.Loop() {
		Marshal(frame)
	}
}

func BenchmarkUnmarshal(b *testing.B) {
	frame := sampleFrame{
		Type:   "req",
		Method: "message.send",
		Seq:    42,
	}
	data, err := Marshal(frame)
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for b.Loop() {
		var decoded sampleFrame
		Unmarshal(data, &decoded)
	}
}
