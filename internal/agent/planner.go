package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/ibbo/rowan/internal/domain"
	"github.com/ibbo/rowan/internal/llm"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/ibbo/rowan/internal/metrics"
)

// PlannerOptions configures a Planner.
type PlannerOptions struct {
	Model       string
	Tools       []llm.ToolDefinition
	ExtraPrompt string
	MaxTokens   int
	Temperature *float64
	Now         func() time.Time
}

// Planner asks the model for the next step of a turn: tool calls or a final
// answer. It never runs tools itself.
type Planner struct {
	client llm.Client
	opts   PlannerOptions
	log    *logging.Logger
}

// NewPlanner creates a planner.
func NewPlanner(client llm.Client, opts PlannerOptions, log *logging.Logger) *Planner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Planner{client: client, opts: opts, log: log.Sub("planner")}
}

// Plan sends the thread to the model and returns its reply as an
// AssistantMessage. Tool calls always carry a unique id and parsed
// arguments. A reply with neither calls nor text is reported as a malformed
// provider error.
func (p *Planner) Plan(ctx context.Context, h domain.History) (domain.AssistantMessage, error) {
	msgs, err := toLLMMessages(h)
	if err != nil {
		return domain.AssistantMessage{}, err
	}
	req := llm.CompletionRequest{
		Model: p.opts.Model,
		System: BuildPlannerPrompt(PromptConfig{
			Tools:       p.opts.Tools,
			Now:         p.opts.Now(),
			ExtraPrompt: p.opts.ExtraPrompt,
		}),
		Messages:    msgs,
		Tools:       p.opts.Tools,
		MaxTokens:   p.opts.MaxTokens,
		Temperature: p.opts.Temperature,
	}

	start := time.Now()
	resp, err := p.client.Complete(ctx, req)
	metrics.RecordLLMCall(p.client.Name(), "planner", time.Since(start).Seconds(), err)
	if err != nil {
		return domain.AssistantMessage{}, err
	}

	raw, content := resp.ToolCalls, resp.Content
	if len(raw) == 0 {
		raw, content = llm.ExtractTextToolCalls(content)
		if len(raw) > 0 {
			p.log.Debug().Int("calls", len(raw)).Msg("recovered tool calls from text")
		}
	}

	if len(raw) == 0 {
		content = llm.StripToolMarkup(content)
		if content == "" {
			return domain.AssistantMessage{}, llm.Malformed(p.client.Name(), "empty answer")
		}
		return domain.AssistantMessage{Content: content}, nil
	}

	calls := make([]domain.ToolCall, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, c := range raw {
		args := map[string]any{}
		if c.Arguments != "" && c.Arguments != "null" {
			if err := json.Unmarshal([]byte(c.Arguments), &args); err != nil {
				return domain.AssistantMessage{}, llm.Malformed(p.client.Name(), "arguments for %s: %v", c.Name, err)
			}
			if args == nil {
				args = map[string]any{}
			}
		}
		id := c.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true
		calls = append(calls, domain.ToolCall{ID: id, Name: c.Name, Arguments: args})
	}
	return domain.AssistantMessage{Content: llm.StripToolMarkup(content), ToolCalls: calls}, nil
}

// toLLMMessages converts a thread into provider messages.
func toLLMMessages(h domain.History) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(h))
	for _, m := range h {
		switch v := m.(type) {
		case domain.UserMessage:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: v.Content})
		case domain.AssistantMessage:
			msg := llm.Message{Role: llm.RoleAssistant, Content: v.Content}
			for _, c := range v.ToolCalls {
				args, err := json.Marshal(c.Arguments)
				if err != nil {
					return nil, err
				}
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: string(args)})
			}
			out = append(out, msg)
		case domain.ToolMessage:
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    toolContent(v),
				ToolCallID: v.CallID,
				Name:       v.Tool,
			})
		}
	}
	return out, nil
}

// toolContent is the text the model sees for a tool result.
func toolContent(m domain.ToolMessage) string {
	if m.Error != nil {
		data, _ := json.Marshal(map[string]any{"error": m.Error})
		return string(data)
	}
	if len(m.Result) == 0 {
		return "null"
	}
	return string(m.Result)
}
