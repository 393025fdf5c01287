// ABOUTME: Asynchronous writer that moves agent events off the session goroutines
// ABOUTME: Buffers events in a channel and drops them when the buffer is full

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// recordTimeout bounds a single database write.
const recordTimeout = 5 * time.Second

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Buffer int
	Logger *slog.Logger
}

// Recorder persists agent events in a background goroutine. Record never
// blocks the caller on database I/O.
type Recorder struct {
	store  Store
	events chan *AgentEvent
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	dropped atomic.Int64
}

// NewRecorder starts a recorder writing to s.
func NewRecorder(s Store, cfg RecorderConfig) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		store:  s,
		events: make(chan *AgentEvent, cfg.Buffer),
		logger: logger.With("component", "recorder"),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues an event. It returns false when the event was dropped because
// the buffer is full or the recorder is closed.
func (r *Recorder) Record(event *AgentEvent) bool {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(event, "closed")
		return false
	}

	select {
	case r.events <- event:
		return true
	default:
		r.drop(event, "buffer full")
		return false
	}
}

func (r *Recorder) drop(event *AgentEvent, reason string) {
	r.dropped.Add(1)
	r.logger.Warn("dropping agent event",
		"agent_id", event.InstanceUID,
		"type", event.Type,
		"reason", reason,
	)
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be written.
// It is safe to call multiple times.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()

	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	for event := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := r.store.RecordAgentEvent(ctx, event); err != nil {
			r.logger.Error("failed to record agent event",
				"agent_id", event.InstanceUID,
				"type", event.Type,
				"error", err,
			)
		}
		cancel()
	}
}
