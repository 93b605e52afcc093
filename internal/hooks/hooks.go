// Package hooks runs registered callbacks at server and turn lifecycle
// points, for audit logging and integrations that should not sit on the
// orchestrator's path.
package hooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ibbo/rowan/internal/logging"
)

// Event names a lifecycle point.
type Event string

const (
	EventServerStart Event = "server_start"
	EventServerStop  Event = "server_stop"
	EventTurnStart   Event = "turn_start"
	EventTurnEnd     Event = "turn_end"
)

// AllEvents lists every event the server fires.
var AllEvents = []Event{EventServerStart, EventServerStop, EventTurnStart, EventTurnEnd}

// Payload describes what happened. Turn fields are empty for server events.
type Payload struct {
	Event     Event          `json:"event"`
	ThreadID  string         `json:"threadId,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Outcome   string         `json:"outcome,omitempty"` // answered | rejected | errored | cancelled
	Code      string         `json:"code,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler handles one event. A returned error is logged and does not stop
// the remaining handlers.
type Handler func(ctx context.Context, p Payload) error

// Manager holds handler registrations.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]namedHandler
	log      *logging.Logger
}

type namedHandler struct {
	name string
	fn   Handler
}

// NewManager creates an empty manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{handlers: make(map[Event][]namedHandler), log: log.Sub("hooks")}
}

// On registers fn for event under name.
func (m *Manager) On(event Event, name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, fn: fn})
	m.log.Debug().Str("event", string(event)).Str("handler", name).Msg("hook registered")
}

// Off removes every handler registered for event under name.
func (m *Manager) Off(event Event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.handlers[event][:0:0]
	for _, h := range m.handlers[event] {
		if h.name != name {
			kept = append(kept, h)
		}
	}
	m.handlers[event] = kept
}

func (m *Manager) snapshot(event Event) []namedHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]namedHandler(nil), m.handlers[event]...)
}

// Emit calls the handlers for p.Event in registration order and waits for
// them. A nil Manager is a no-op.
func (m *Manager) Emit(ctx context.Context, p Payload) {
	if m == nil {
		return
	}
	for _, h := range m.snapshot(p.Event) {
		m.call(ctx, h, p)
	}
}

// EmitAsync calls each handler in its own goroutine and returns at once.
func (m *Manager) EmitAsync(ctx context.Context, p Payload) {
	if m == nil {
		return
	}
	for _, h := range m.snapshot(p.Event) {
		go m.call(ctx, h, p)
	}
}

func (m *Manager) call(ctx context.Context, h namedHandler, p Payload) {
	if err := h.fn(ctx, p); err != nil {
		m.log.Warn().Err(err).Str("event", string(p.Event)).Str("handler", h.name).Msg("hook handler error")
	}
}

// Count returns the number of handlers for event.
func (m *Manager) Count(event Event) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the events with at least one handler, sorted.
func (m *Manager) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0, len(m.handlers))
	for e, hs := range m.handlers {
		if len(hs) > 0 {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AuditLogger returns a handler that logs turn ends at info level.
func AuditLogger(log *logging.Logger) Handler {
	return func(ctx context.Context, p Payload) error {
		ev := log.Info().
			Str("thread", p.ThreadID).
			Str("outcome", p.Outcome).
			Dur("dur", p.Duration)
		if p.RequestID != "" {
			ev = ev.Str("request", p.RequestID)
		}
		if p.Code != "" {
			ev = ev.Str("code", p.Code)
		}
		ev.Msg("turn finished")
		return nil
	}
}
