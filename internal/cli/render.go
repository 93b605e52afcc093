package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ibbo/rowan/internal/domain"
)

// errNoAnswer is returned when a turn's stream closes without a final or
// error event, which only happens when it was cancelled.
var errNoAnswer = errors.New("turn ended without an answer")

// turnError is a terminal error event surfaced as a Go error.
type turnError struct {
	Code    domain.ErrorCode
	Message string
}

func (e *turnError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// renderTurn drains events. The answer goes to out; progress (tool calls
// and interim planner text) goes to progress. With asJSON every event is
// written to out as one JSON line instead.
func renderTurn(ctx context.Context, out, progress io.Writer, events <-chan domain.Event, asJSON bool) error {
	enc := json.NewEncoder(out)
	var terminal error = errNoAnswer

	for ev := range events {
		if asJSON {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		switch p := ev.Payload.(type) {
		case domain.Final:
			terminal = nil
			if !asJSON {
				fmt.Fprintln(out, p.Content)
			}
		case domain.ErrorPayload:
			terminal = &turnError{Code: p.Code, Message: p.Message}
		default:
			if !asJSON {
				renderProgress(progress, ev)
			}
		}
	}

	if errors.Is(terminal, errNoAnswer) && ctx.Err() != nil {
		return ctx.Err()
	}
	return terminal
}

func renderProgress(w io.Writer, ev domain.Event) {
	switch p := ev.Payload.(type) {
	case domain.GateStatus:
		if p.Degraded {
			fmt.Fprintln(w, "  (relevance check unavailable)")
		}
	case domain.AssistantPartial:
		if p.Content != "" {
			fmt.Fprintf(w, "  %s\n", p.Content)
		}
	case domain.ToolStart:
		fmt.Fprintf(w, "  -> %s(%s)\n", p.Tool, formatArgs(p.Arguments))
	case domain.ToolResult:
		if p.Error != nil {
			fmt.Fprintf(w, "  !! %s failed: %s\n", p.Tool, p.Error.Message)
		}
	}
}

// formatArgs renders tool arguments as sorted key=value pairs.
func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, _ := json.Marshal(args[k])
		parts[i] = k + "=" + string(v)
	}
	return strings.Join(parts, ", ")
}
