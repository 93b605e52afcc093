package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHistory() History {
	return History{
		UserMessage{Content: "Find 32-bar reels"},
		AssistantMessage{
			Content: "Looking that up.",
			ToolCalls: []ToolCall{
				{ID: "call-1", Name: "find_dances", Arguments: map[string]any{"kind": "Reel", "max_bars": float64(32)}},
				{ID: "call-2", Name: "list_formations", Arguments: map[string]any{"limit": float64(5)}},
			},
		},
		ToolMessage{CallID: "call-1", Tool: "find_dances", Result: json.RawMessage(`[{"id":1,"name":"The Reel of the 51st Division"}]`)},
		ToolMessage{CallID: "call-2", Tool: "list_formations", Error: &ToolError{Code: ToolErrTimeout, Message: "tool timed out"}},
		AssistantMessage{Content: "Here are some reels."},
	}
}

func TestHistoryJSONRoundTrip(t *testing.T) {
	h := sampleHistory()

	data, err := json.Marshal(h)
	require.NoError(t, err)

	var decoded History
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, h, decoded)
}

func TestHistoryJSONRoleDiscriminator(t *testing.T) {
	data, err := json.Marshal(History{UserMessage{Content: "hi"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, string(data))
}

func TestUnmarshalMessageErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown role", `{"role":"system","content":"x"}`},
		{"tool without call id", `{"role":"tool","tool":"find_dances"}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalMessage([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestValidateHistory(t *testing.T) {
	require.NoError(t, ValidateHistory(sampleHistory()))
	require.NoError(t, ValidateHistory(nil))

	orphan := History{
		UserMessage{Content: "hi"},
		ToolMessage{CallID: "nope", Tool: "find_dances"},
	}
	err := ValidateHistory(orphan)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrphanToolResult)

	answeredTwice := append(sampleHistory()[:3:3], ToolMessage{CallID: "call-1", Tool: "find_dances"})
	assert.ErrorIs(t, ValidateHistory(answeredTwice), ErrOrphanToolResult)

	dangling := sampleHistory()[:2]
	assert.Error(t, ValidateHistory(dangling))
}

func TestCallLedgerDuplicateID(t *testing.T) {
	l, err := NewCallLedger(nil)
	require.NoError(t, err)

	err = l.Observe(AssistantMessage{ToolCalls: []ToolCall{{ID: "a", Name: "x"}, {ID: "a", Name: "y"}}})
	assert.Error(t, err)
}

func TestCallLedgerPending(t *testing.T) {
	l, err := NewCallLedger(sampleHistory()[:3])
	require.NoError(t, err)
	assert.Equal(t, 1, l.Pending())
	assert.True(t, l.IsPending("call-2"))
	assert.False(t, l.IsPending("call-1"))
}

func TestHistoryClone(t *testing.T) {
	h := History{UserMessage{Content: "a"}}
	c := h.Clone()
	c = append(c, UserMessage{Content: "b"})
	c[0] = UserMessage{Content: "changed"}

	assert.Len(t, h, 1)
	assert.Equal(t, UserMessage{Content: "a"}, h[0])
	assert.Nil(t, History(nil).Clone())
}

func TestNewToolError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		code  ToolErrorCode
		field string
	}{
		{"invalid args", &InvalidArgumentsError{Field: "limit", Reason: "must be at most 200"}, ToolErrArguments, "limit"},
		{"wrapped invalid args", fmt.Errorf("find_dances: %w", &InvalidArgumentsError{Field: "kind", Reason: "must be a string"}), ToolErrArguments, "kind"},
		{"unknown", fmt.Errorf("%w: dance_party", ErrUnknownTool), ToolErrUnknown, ""},
		{"timeout", ErrToolTimeout, ToolErrTimeout, ""},
		{"deadline", context.DeadlineExceeded, ToolErrTimeout, ""},
		{"cancelled", context.Canceled, ToolErrCancelled, ""},
		{"other", errors.New("disk on fire"), ToolErrFailed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := NewToolError(tt.err)
			require.NotNil(t, te)
			assert.Equal(t, tt.code, te.Code)
			assert.Equal(t, tt.field, te.Field)
		})
	}
	assert.Nil(t, NewToolError(nil))
}

func TestInvalidArgumentsErrorIs(t *testing.T) {
	err := fmt.Errorf("call: %w", &InvalidArgumentsError{Field: "limit", Reason: "too big"})
	assert.ErrorIs(t, err, ErrInvalidArguments)
	assert.Equal(t, "call: invalid arguments: limit: too big", err.Error())
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, CodePlannerLoopExceeded, CodeFor(fmt.Errorf("turn: %w", ErrPlannerLoopExceeded)))
	assert.Equal(t, CodeUpstreamLLM, CodeFor(ErrUpstreamLLM))
	assert.Equal(t, CodeCheckpointFailed, CodeFor(ErrCheckpoint))
	assert.Equal(t, CodeInternal, CodeFor(errors.New("boom")))
}

func TestEventKinds(t *testing.T) {
	now := time.Now()
	ev := NewEvent(3, ToolStart{CallID: "c", Tool: "find_dances"}, now)
	assert.Equal(t, EventToolStart, ev.Kind)
	assert.Equal(t, int64(3), ev.Seq)
	assert.False(t, ev.Kind.Terminal())

	assert.True(t, EventFinal.Terminal())
	assert.True(t, EventError.Terminal())
	assert.False(t, EventGateStatus.Terminal())
}

func TestEventJSON(t *testing.T) {
	ev := NewEvent(1, GateStatus{Verdict: VerdictAccept, Attempts: 1}, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":1,"kind":"gate_status","payload":{"verdict":"accept","attempts":1},"timestamp":"2024-05-01T12:00:00Z"}`, string(data))
}
