// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit appends security-relevant events to a JSONL file. A
// single writer goroutine owns the file; Record never blocks the
// request path. When the queue is full the event is dropped and
// counted — the dropped total is surfaced through status reporting so
// operators notice sustained pressure.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/clock"
)

// Event kinds recorded by the gateway. The kind namespace is flat
// dotted strings so log pipelines can filter without a schema.
const (
	KindAuthRejected   = "auth.rejected"
	KindDevicePaired   = "device.paired"
	KindDeviceApproved = "device.approved"
	KindDeviceRevoked  = "device.revoked"
	KindExecRequested  = "exec.requested"
	KindExecDecided    = "exec.decided"
	KindExecCompleted  = "exec.completed"
	KindHookFailure    = "hook.failure"
	KindPluginDisabled = "plugin.disabled"
	KindRunStarted     = "run.started"
	KindRunFinished    = "run.finished"
)

// Event is one audit record. Detail carries kind-specific fields;
// secret material must never appear in it.
type Event struct {
	TS       time.Time      `json:"ts"`
	Kind     string         `json:"kind"`
	DeviceID string         `json:"device_id,omitempty"`
	AgentID  string         `json:"agent_id,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// DefaultQueueSize bounds the in-flight events between Record and the
// writer goroutine.
const DefaultQueueSize = 256

// Config configures an audit sink.
type Config struct {
	// Path is the JSONL file to append to. Required.
	Path string

	// QueueSize bounds the async queue. Zero means DefaultQueueSize.
	QueueSize int

	// Clock stamps events that arrive without a timestamp. Required.
	Clock clock.Clock

	// Logger receives write failures. Nil discards them.
	Logger *slog.Logger
}

// Sink accepts events from any goroutine and appends them to the
// audit file in arrival order.
type Sink struct {
	clock  clock.Clock
	logger *slog.Logger
	file   *os.File

	queue      chan Event
	stop       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error

	dropped atomic.Uint64
}

// Open creates or opens the audit file for appending and starts the
// writer goroutine.
func Open(cfg Config) (*Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit: config: Path is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("audit: config: Clock is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", cfg.Path, err)
	}

	sink := &Sink{
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		file:       file,
		queue:      make(chan Event, cfg.QueueSize),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go sink.run()
	return sink, nil
}

// Record queues an event for writing. It never blocks: with the queue
// full or the sink closed the event is dropped and counted. A zero TS
// is stamped with the current time.
func (s *Sink) Record(event Event) {
	if event.TS.IsZero() {
		event.TS = s.clock.Now().UTC()
	}

	select {
	case <-s.stop:
		s.dropped.Add(1)
		return
	default:
	}

	select {
	case s.queue <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full queue or a
// closed sink.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close drains the queue, syncs, and closes the file. Records arriving
// after Close starts are dropped. Idempotent.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.writerDone

		var errs []error
		if err := s.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("audit: syncing: %w", err))
		}
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit: closing: %w", err))
		}
		if len(errs) > 0 {
			s.closeErr = errs[0]
		}
	})
	return s.closeErr
}

// run is the single writer. Events are written in channel order; a
// write failure is logged and the event lost, never retried — the
// audit trail records what it can without back-pressuring auth or
// exec decisions.
func (s *Sink) run() {
	defer close(s.writerDone)

	encoder := json.NewEncoder(s.file)
	write := func(event Event) {
		if err := encoder.Encode(event); err != nil {
			s.logger.Error("audit write failed",
				"kind", event.Kind,
				"error", err,
			)
		}
	}

	for {
		select {
		case event := <-s.queue:
			write(event)
		case <-s.stop:
			// Drain whatever was queued before the close.
			for {
				select {
				case event := <-s.queue:
					write(event)
				default:
					return
				}
			}
		}
	}
}
