package domain

import (
	"encoding/json"
	"time"
)

// EventKind names a turn lifecycle event.
type EventKind string

const (
	EventGateStatus       EventKind = "gate_status"
	EventToolStart        EventKind = "tool_start"
	EventToolResult       EventKind = "tool_result"
	EventAssistantPartial EventKind = "assistant_partial"
	EventFinal            EventKind = "final"
	EventError            EventKind = "error"
)

// Terminal reports whether the kind ends a turn's stream.
func (k EventKind) Terminal() bool {
	return k == EventFinal || k == EventError
}

// Verdict is the relevance gate outcome.
type Verdict string

const (
	VerdictUnset  Verdict = ""
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// Event is one immutable entry in a turn's event stream. Seq starts at 1 and
// increases by one for each event of the turn.
type Event struct {
	Seq       int64     `json:"seq"`
	Kind      EventKind `json:"kind"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload is the kind-specific body of an Event. Implementations are the
// payload structs in this file.
type Payload interface {
	Kind() EventKind
}

// NewEvent stamps a payload with its sequence number and time.
func NewEvent(seq int64, p Payload, at time.Time) Event {
	return Event{Seq: seq, Kind: p.Kind(), Payload: p, Timestamp: at}
}

// GateStatus reports the relevance verdict. Degraded is set when the gate
// could not be reached and the turn was rejected without a real verdict.
type GateStatus struct {
	Verdict  Verdict `json:"verdict"`
	Degraded bool    `json:"degraded,omitempty"`
	Attempts int     `json:"attempts"`
}

// ToolStart is emitted before a tool call is dispatched.
type ToolStart struct {
	CallID    string         `json:"callId"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Round     int            `json:"round"`
}

// ToolResult is emitted as each tool call resolves.
type ToolResult struct {
	CallID     string          `json:"callId"`
	Tool       string          `json:"tool"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
	DurationMS int64           `json:"durationMs"`
	Round      int             `json:"round"`
}

// AssistantPartial carries planner text that accompanied a tool request.
type AssistantPartial struct {
	Content string `json:"content"`
	Round   int    `json:"round"`
}

// Final carries the answer shown to the user.
type Final struct {
	Content  string `json:"content"`
	Rejected bool   `json:"rejected,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Rounds   int    `json:"rounds"`
}

// ErrorPayload is the body of a terminal error event.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (GateStatus) Kind() EventKind       { return EventGateStatus }
func (ToolStart) Kind() EventKind        { return EventToolStart }
func (ToolResult) Kind() EventKind       { return EventToolResult }
func (AssistantPartial) Kind() EventKind { return EventAssistantPartial }
func (Final) Kind() EventKind            { return EventFinal }
func (ErrorPayload) Kind() EventKind     { return EventError }
