package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicMaxTokens is sent when a request leaves MaxTokens unset;
// the Messages API requires it.
const defaultAnthropicMaxTokens = 1024

// AnthropicClient speaks the Anthropic Messages API through the official SDK.
type AnthropicClient struct {
	name   string
	client anthropic.Client
}

// NewAnthropicClient creates a client. An empty baseURL uses
// api.anthropic.com. SDK retries are disabled; FailoverClient decides what
// to retry.
func NewAnthropicClient(name, apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if name == "" {
		name = "anthropic"
	}
	return &AnthropicClient{name: name, client: anthropic.NewClient(opts...)}
}

func (c *AnthropicClient) Name() string { return c.name }

// Complete sends a non-streaming Messages request.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
		Tools:     toAnthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(c.name, err)
	}

	out := &CompletionResponse{
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Duration:   time.Since(start),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			if b.Name == "" {
				return nil, Malformed(c.name, "tool_use block %q has no name", b.ID)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// toAnthropicMessages maps the conversation onto alternating user and
// assistant turns. Tool results travel as tool_result blocks in a user turn,
// so consecutive tool messages (one parallel batch) share a single turn.
func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	appendTurn := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Arguments)
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				appendTurn(anthropic.MessageParamRoleAssistant, blocks...)
			}
		case RoleTool:
			appendTurn(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		default:
			appendTurn(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(m.Content))
		}
	}
	return out
}

func toAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := anthropic.ToolInputSchemaParam{Properties: d.Parameters["properties"]}
		switch req := d.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		t := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if d.Description != "" {
			t.OfTool.Description = anthropic.String(d.Description)
		}
		tools = append(tools, t)
	}
	return tools
}
