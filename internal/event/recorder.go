// Package event buffers behavioral events off the request path and flushes
// them to durable storage in batches.
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flagramp/flagramp/internal/logging"
	"github.com/flagramp/flagramp/internal/store"
	"github.com/flagramp/flagramp/internal/telemetry"
)

// Sink receives flushed event batches. Satisfied by store.SQLiteStore.
type Sink interface {
	AppendEvents(ctx context.Context, events []store.Event) error
}

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxBuffer     = 10000
)

// Options tunes the recorder. Zero values fall back to the defaults.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxBuffer     int
}

// Recorder accepts events from request-handling code and flushes them to
// the sink in batches. Record never blocks on I/O; flushing happens on a
// background loop. On flush failure the batch is pushed back to the front
// of the buffer so arrival order is preserved, and retried on the next
// tick. The buffer is capped: beyond MaxBuffer the oldest events are
// dropped and counted.
type Recorder struct {
	sink Sink

	batchSize int
	interval  time.Duration
	maxBuffer int

	mu  sync.Mutex
	buf []store.Event

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewRecorder(sink Sink, opts Options) *Recorder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = DefaultMaxBuffer
	}

	r := &Recorder{
		sink:      sink,
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
		maxBuffer: opts.MaxBuffer,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record accepts a partially-filled event, fills in SessionID and
// Timestamp when absent, and buffers it. Returns an error only for an
// unknown event type or missing identity fields; storage trouble is never
// surfaced to callers.
func (r *Recorder) Record(ev store.Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown event type: %q", ev.Type)
	}
	if ev.UserID == "" {
		return fmt.Errorf("event missing user id")
	}
	if ev.SessionID == "" {
		ev.SessionID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	r.mu.Lock()
	r.buf = append(r.buf, ev)
	r.enforceCapLocked()
	n := len(r.buf)
	r.mu.Unlock()

	telemetry.EventsRecorded.Inc()
	telemetry.BufferSize.Set(float64(n))

	if n >= r.batchSize {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// BufferLen returns the current buffer length.
func (r *Recorder) BufferLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Flush synchronously flushes the current buffer contents. Used by the
// loop, by Close, and by tests.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		telemetry.BufferSize.Set(0)
		return nil
	}

	if err := r.sink.AppendEvents(ctx, batch); err != nil {
		telemetry.FlushFailures.Inc()
		// Push the batch back to the front so original arrival order holds.
		r.mu.Lock()
		r.buf = append(batch, r.buf...)
		r.enforceCapLocked()
		n := len(r.buf)
		r.mu.Unlock()
		telemetry.BufferSize.Set(float64(n))
		return fmt.Errorf("failed to flush %d events: %w", len(batch), err)
	}

	telemetry.BufferSize.Set(float64(r.BufferLen()))
	return nil
}

// Close stops the flush loop and drains the buffer with a final flush.
func (r *Recorder) Close() error {
	close(r.stop)
	<-r.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Flush(ctx)
}

func (r *Recorder) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-r.kick:
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.interval)
		if err := r.Flush(ctx); err != nil {
			logging.Errorf("event flush: %v", err)
		}
		cancel()
	}
}

// enforceCapLocked drops oldest events beyond maxBuffer. Caller holds mu.
func (r *Recorder) enforceCapLocked() {
	if over := len(r.buf) - r.maxBuffer; over > 0 {
		r.buf = append([]store.Event(nil), r.buf[over:]...)
		telemetry.EventsDropped.Add(float64(over))
	}
}
