package gateway

import (
	"encoding/json"

	"github.com/ibbo/rowan/internal/domain"
)

// Frame types for the WebSocket protocol.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// ProtocolVersion is the WebSocket protocol revision this server speaks.
const ProtocolVersion = 1

// TurnEventPrefix prefixes the event frame name of each turn event, e.g.
// "turn.tool_start".
const TurnEventPrefix = "turn."

// Frame is the envelope of every WebSocket message. Type selects which of
// the remaining fields are meaningful.
type Frame struct {
	Type string `json:"type"`

	// Request
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	// Event
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// ErrorShape is the error body of a failed response.
type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ConnectParams open a session after the challenge.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform,omitempty"`
}

// ConnectAuth carries credentials.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// HelloOK answers a successful connect.
type HelloOK struct {
	Protocol int          `json:"protocol"`
	Server   ServerInfo   `json:"server"`
	Features Features     `json:"features"`
	Policy   ServerPolicy `json:"policy"`
}

type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	ConnID  string `json:"connId"`
}

type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type ServerPolicy struct {
	MaxPayload     int `json:"maxPayload"`
	TickIntervalMs int `json:"tickIntervalMs"`
}

// ChatSendParams start a turn. An empty ThreadID starts a new thread.
type ChatSendParams struct {
	ThreadID string `json:"threadId,omitempty"`
	Message  string `json:"message"`
}

// ChatCancelParams name a running chat.send by its request frame id.
type ChatCancelParams struct {
	RequestID string `json:"requestId"`
}

// ThreadsGetParams select a thread.
type ThreadsGetParams struct {
	ThreadID string `json:"threadId"`
}

// TurnSummary is the chat.send response, sent after the last turn event.
type TurnSummary struct {
	ThreadID string           `json:"threadId"`
	Outcome  string           `json:"outcome"`
	Content  string           `json:"content,omitempty"`
	Code     domain.ErrorCode `json:"code,omitempty"`
	Events   int              `json:"events"`
}

// turnEvents lists the event frame names a client can receive during
// chat.send.
func turnEvents() []string {
	kinds := []domain.EventKind{
		domain.EventGateStatus,
		domain.EventToolStart,
		domain.EventToolResult,
		domain.EventAssistantPartial,
		domain.EventFinal,
		domain.EventError,
	}
	out := make([]string, 0, len(kinds)+1)
	out = append(out, "connect.challenge")
	for _, k := range kinds {
		out = append(out, TurnEventPrefix+string(k))
	}
	return out
}

// NewRequest creates a request frame.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{Type: FrameTypeResponse, ID: id, OK: &ok, Payload: raw}, nil
}

// NewErrorResponse creates a failed response frame.
func NewErrorResponse(id string, e ErrorShape) Frame {
	ok := false
	return Frame{Type: FrameTypeResponse, ID: id, OK: &ok, Error: &e}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, Event: event, Payload: raw, Seq: seq}, nil
}

// NewTurnEvent wraps a turn event in an event frame carrying its seq.
func NewTurnEvent(ev domain.Event) (Frame, error) {
	return NewEvent(TurnEventPrefix+string(ev.Kind), ev, ev.Seq)
}
