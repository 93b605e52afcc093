package domain

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a thread message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation thread. The set of implementations
// is closed: UserMessage, AssistantMessage and ToolMessage.
type Message interface {
	Role() Role
	isMessage()
}

// UserMessage is text typed by the person asking.
type UserMessage struct {
	Content string
}

// AssistantMessage is planner output. A message with ToolCalls is a request
// for tools; one without is a final answer.
type AssistantMessage struct {
	Content   string
	ToolCalls []ToolCall
}

// ToolMessage resolves exactly one ToolCall. Either Result or Error is set.
type ToolMessage struct {
	CallID string
	Tool   string
	Result json.RawMessage
	Error  *ToolError
}

func (UserMessage) Role() Role      { return RoleUser }
func (AssistantMessage) Role() Role { return RoleAssistant }
func (ToolMessage) Role() Role      { return RoleTool }

func (UserMessage) isMessage()      {}
func (AssistantMessage) isMessage() {}
func (ToolMessage) isMessage()      {}

// HasToolCalls reports whether the planner asked for tools.
func (m AssistantMessage) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// ToolCall is a single tool invocation requested by the planner.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// messageJSON is the wire envelope for Message, discriminated by role.
type messageJSON struct {
	Role      Role            `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCall      `json:"toolCalls,omitempty"`
	CallID    string          `json:"callId,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ToolError      `json:"error,omitempty"`
}

// MarshalMessage encodes a message with its role discriminator.
func MarshalMessage(m Message) ([]byte, error) {
	var env messageJSON
	switch v := m.(type) {
	case UserMessage:
		env = messageJSON{Role: RoleUser, Content: v.Content}
	case AssistantMessage:
		env = messageJSON{Role: RoleAssistant, Content: v.Content, ToolCalls: v.ToolCalls}
	case ToolMessage:
		env = messageJSON{Role: RoleTool, CallID: v.CallID, Tool: v.Tool, Result: v.Result, Error: v.Error}
	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}
	return json.Marshal(env)
}

// UnmarshalMessage decodes a message produced by MarshalMessage.
func UnmarshalMessage(data []byte) (Message, error) {
	var env messageJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch env.Role {
	case RoleUser:
		return UserMessage{Content: env.Content}, nil
	case RoleAssistant:
		return AssistantMessage{Content: env.Content, ToolCalls: env.ToolCalls}, nil
	case RoleTool:
		if env.CallID == "" {
			return nil, fmt.Errorf("decode message: tool message without callId")
		}
		return ToolMessage{CallID: env.CallID, Tool: env.Tool, Result: env.Result, Error: env.Error}, nil
	default:
		return nil, fmt.Errorf("decode message: unknown role %q", env.Role)
	}
}

// History is an ordered thread transcript.
type History []Message

// MarshalJSON encodes the history as an array of role-tagged objects.
func (h History) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(h))
	for i, m := range h {
		b, err := MarshalMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes an array written by MarshalJSON.
func (h *History) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(History, 0, len(raw))
	for i, r := range raw {
		m, err := UnmarshalMessage(r)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, m)
	}
	*h = out
	return nil
}

// Clone returns a copy of the slice. Messages are values, so the copy can be
// appended to without touching the original.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}
