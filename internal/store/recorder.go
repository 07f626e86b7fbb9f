// ABOUTME: Asynchronous ledger writer so lifecycle and call paths never block on SQLite
// ABOUTME: Records go through a bounded queue; a full queue drops the record with a warning

package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultRecorderBuffer is the queue size used when NewRecorder gets zero.
const DefaultRecorderBuffer = 256

// Recorder queues ledger writes for a single background writer.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	queue   chan func(context.Context) error
	dropped atomic.Int64
	written atomic.Int64
}

// NewRecorder creates a recorder in front of s.
func NewRecorder(s Store, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  s,
		logger: logger.With("component", "recorder"),
		queue:  make(chan func(context.Context) error, buffer),
	}
}

// RecordProviderEvent queues a provider transition.
func (r *Recorder) RecordProviderEvent(ev ProviderEvent) {
	r.enqueue("provider_event", func(ctx context.Context) error {
		return r.store.AppendProviderEvent(ctx, &ev)
	})
}

// RecordToolCall queues a finished call.
func (r *Recorder) RecordToolCall(call ToolCall) {
	r.enqueue("tool_call", func(ctx context.Context) error {
		return r.store.AppendToolCall(ctx, &call)
	})
}

func (r *Recorder) enqueue(kind string, write func(context.Context) error) {
	select {
	case r.queue <- write:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("ledger queue full, dropping record", "kind", kind, "dropped_total", n)
	}
}

// Run writes queued records until ctx ends, then flushes what is left.
// Cancellation stops the loop, not a write in progress.
func (r *Recorder) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case write := <-r.queue:
			r.write(writeCtx, write)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case write := <-r.queue:
			r.write(ctx, write)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, write func(context.Context) error) {
	if err := write(ctx); err != nil {
		r.logger.Error("ledger write failed", "error", err)
		return
	}
	r.written.Add(1)
}

// Dropped returns how many records were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns how many records reached the store.
func (r *Recorder) Written() int64 { return r.written.Load() }
