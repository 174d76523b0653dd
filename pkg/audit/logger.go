// Package audit records mutating outcomes as JSON lines. Recording never
// blocks or fails the caller.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShantanuVr/registry-adapter-api/pkg/auth"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	Org       string         `json:"org"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Outcome   string         `json:"outcome"`
	TraceID   string         `json:"trace_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events, fire-and-forget.
type Logger interface {
	Record(ctx context.Context, action, resource, outcome string, metadata map[string]any)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, string, string, string, map[string]any) {}

// AsyncLogger buffers events and writes them from one goroutine. When the
// buffer is full new events are dropped and counted.
type AsyncLogger struct {
	events  chan Event
	writer  io.Writer
	logger  *slog.Logger
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dropped int
}

// NewAsyncLogger starts a writer goroutine over w (stdout when nil).
func NewAsyncLogger(w io.Writer, buffer int) *AsyncLogger {
	if w == nil {
		w = os.Stdout
	}
	if buffer <= 0 {
		buffer = 1024
	}
	l := &AsyncLogger{
		events: make(chan Event, buffer),
		writer: w,
		logger: slog.Default().With("component", "audit"),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *AsyncLogger) Record(ctx context.Context, action, resource, outcome string, metadata map[string]any) {
	ev := Event{
		ID:        uuid.New().String(),
		Org:       "system",
		Actor:     "system",
		Action:    action,
		Resource:  resource,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	if p, err := auth.GetPrincipal(ctx); err == nil {
		ev.Org, ev.Actor, ev.TraceID = p.Org, p.Subject, p.TraceID
	}

	select {
	case l.events <- ev:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		l.logger.WarnContext(ctx, "audit buffer full, event dropped", "action", action, "resource", resource)
	}
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	enc := json.NewEncoder(l.writer)
	for ev := range l.events {
		if err := enc.Encode(ev); err != nil {
			l.logger.Error("audit write failed", "error", err, "event_id", ev.ID)
		}
	}
}

// Dropped returns the number of events dropped on a full buffer.
func (l *AsyncLogger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close drains buffered events. Record must not be called after Close.
func (l *AsyncLogger) Close(ctx context.Context) error {
	l.once.Do(func() { close(l.events) })
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
