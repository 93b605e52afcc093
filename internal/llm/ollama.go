package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	ollama "github.com/ollama/ollama/api"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaClient talks to a local or remote Ollama server through its chat API.
type OllamaClient struct {
	name   string
	client *ollama.Client
}

// NewOllamaClient creates a client for the server at baseURL
// (default http://localhost:11434).
func NewOllamaClient(name, baseURL string) (*OllamaClient, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	if name == "" {
		name = "ollama"
	}
	return &OllamaClient{name: name, client: ollama.NewClient(u, http.DefaultClient)}, nil
}

func (o *OllamaClient) Name() string { return o.name }

// Complete sends a non-streaming chat request.
func (o *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	tools, err := toOllamaTools(req.Tools)
	if err != nil {
		return nil, Malformed(o.name, "tool schema: %v", err)
	}

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	stream := false
	chatReq := &ollama.ChatRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req),
		Tools:    tools,
		Stream:   &stream,
		Options:  options,
	}

	var final ollama.ChatResponse
	var content strings.Builder
	var calls []ollama.ToolCall
	err = o.client.Chat(ctx, chatReq, func(resp ollama.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		calls = append(calls, resp.Message.ToolCalls...)
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		return nil, classify(o.name, err)
	}

	out := &CompletionResponse{
		Content:    content.String(),
		StopReason: final.DoneReason,
		Model:      req.Model,
		Duration:   time.Since(start),
		Usage: Usage{
			InputTokens:  final.PromptEvalCount,
			OutputTokens: final.EvalCount,
		},
	}
	for _, c := range calls {
		args, err := json.Marshal(c.Function.Arguments)
		if err != nil {
			return nil, Malformed(o.name, "tool call %s arguments: %v", c.Function.Name, err)
		}
		// Ollama does not assign call ids.
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      c.Function.Name,
			Arguments: string(args),
		})
	}
	return out, nil
}

func toOllamaMessages(req CompletionRequest) []ollama.Message {
	msgs := make([]ollama.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		om := ollama.Message{Role: m.Role, Content: m.Content}
		for _, c := range m.ToolCalls {
			var args map[string]any
			if c.Arguments != "" {
				_ = json.Unmarshal([]byte(c.Arguments), &args)
			}
			om.ToolCalls = append(om.ToolCalls, ollama.ToolCall{
				Function: ollama.ToolCallFunction{Name: c.Name, Arguments: args},
			})
		}
		msgs = append(msgs, om)
	}
	return msgs
}

// toOllamaTools converts JSON Schema parameter maps into Ollama's typed
// parameter struct by way of its JSON form.
func toOllamaTools(defs []ToolDefinition) ([]ollama.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]ollama.Tool, 0, len(defs))
	for _, d := range defs {
		var params ollama.ToolFunctionParameters
		if d.Parameters != nil {
			raw, err := json.Marshal(d.Parameters)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.Name, err)
			}
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, fmt.Errorf("%s: %w", d.Name, err)
			}
		}
		tools = append(tools, ollama.Tool{
			Type: "function",
			Function: ollama.ToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}
