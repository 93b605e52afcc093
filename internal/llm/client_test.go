package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ibbo/rowan/internal/config"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

// --- Registry tests ---

func TestRegistryResolveProviderRef(t *testing.T) {
	reg := NewRegistry(silentLog())
	reg.Register("openai", &MockClient{ProviderName: "openai"})
	reg.Register("local", &MockClient{ProviderName: "local"})

	client, model, err := reg.Resolve("local/llama3.1")
	require.NoError(t, err)
	assert.Equal(t, "local", client.Name())
	assert.Equal(t, "llama3.1", model)
}

func TestRegistryAliasAndFallback(t *testing.T) {
	reg := NewRegistry(silentLog())
	reg.Register("openai", &MockClient{ProviderName: "openai"})
	reg.Register("local", &MockClient{ProviderName: "local"})
	reg.Alias("mistral", "local")
	reg.SetFallback("openai")

	client, model, err := reg.Resolve("mistral")
	require.NoError(t, err)
	assert.Equal(t, "local", client.Name())
	assert.Equal(t, "mistral", model)

	client, model, err = reg.Resolve("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "openai", client.Name())
	assert.Equal(t, "gpt-4o-mini", model)
}

func TestRegistryResolveNotFound(t *testing.T) {
	reg := NewRegistry(silentLog())

	_, _, err := reg.Resolve("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no LLM provider")
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry(silentLog())
	reg.Register("b", &MockClient{ProviderName: "b"})
	reg.Register("a", &MockClient{ProviderName: "a"})
	assert.Equal(t, []string{"a", "b"}, reg.List())
}

func TestNewRegistryFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.LLM.Providers = map[string]config.ProviderConfig{
		"box":    {Type: "ollama", BaseURL: "http://gpu-box:11434"},
		"fake":   {Type: "mock"},
		"claude": {Type: "anthropic", APIKey: "sk-ant"},
	}

	reg, err := NewRegistryFromConfig(&cfg, silentLog())
	require.NoError(t, err)
	assert.Equal(t, []string{"box", "claude", "fake", "openai"}, reg.List())

	c, model, err := reg.Resolve("claude/claude-haiku")
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, c)
	assert.Equal(t, "claude-haiku", model)

	c, _, err = reg.Resolve("box/llama3.1")
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, c)

	c, _, err = reg.Resolve("gpt-4o-mini")
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)
}

func TestNewRegistryFromConfigUnknownType(t *testing.T) {
	cfg := config.Defaults()
	cfg.LLM.Providers = map[string]config.ProviderConfig{"weird": {Type: "carrier-pigeon"}}

	_, err := NewRegistryFromConfig(&cfg, silentLog())
	assert.Error(t, err)
}

// --- Mock tests ---

func TestMockClientComplete(t *testing.T) {
	mock := &MockClient{
		ProviderName: "test",
		CompleteFunc: func(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
			return &CompletionResponse{Content: "echo: " + req.Messages[0].Content}, nil
		},
	}

	resp, err := mock.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", resp.Content)
}

func TestScriptedClient(t *testing.T) {
	boom := errors.New("boom")
	s := NewScriptedClient("script",
		ScriptStep{Err: boom},
		ScriptStep{Response: &CompletionResponse{Content: "second"}},
	)

	_, err := s.Complete(context.Background(), CompletionRequest{Model: "a"})
	assert.ErrorIs(t, err, boom)

	resp, err := s.Complete(context.Background(), CompletionRequest{Model: "b"})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content)

	resp, err = s.Complete(context.Background(), CompletionRequest{Model: "c"})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content, "last step repeats")

	assert.Equal(t, 3, s.Calls())
	assert.Equal(t, "b", s.Requests()[1].Model)
}

// --- ProviderError tests ---

func TestProviderErrorRetryable(t *testing.T) {
	tests := []struct {
		err  *ProviderError
		want bool
	}{
		{&ProviderError{Kind: KindNetwork}, true},
		{&ProviderError{Kind: KindTimeout}, true},
		{&ProviderError{Kind: KindMalformed}, true},
		{&ProviderError{Kind: KindAPI, Code: 429}, true},
		{&ProviderError{Kind: KindAPI, Code: 503}, true},
		{&ProviderError{Kind: KindAPI, Code: 400, Message: "model overloaded"}, true},
		{&ProviderError{Kind: KindAPI, Code: 401}, false},
		{&ProviderError{Kind: KindAPI, Code: 400}, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-%d", tt.err.Kind, tt.err.Code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Retryable())
		})
	}
}

func TestProviderErrorFormat(t *testing.T) {
	err := &ProviderError{Provider: "openai", Kind: KindAPI, Code: 429, Message: "slow down"}
	assert.Equal(t, "openai: api: 429 slow down", err.Error())

	err = Malformed("ollama", "bad %s", "json")
	assert.Equal(t, "ollama: malformed: bad json", err.Error())
}

func TestClassify(t *testing.T) {
	var pe *ProviderError

	err := classify("openai", context.DeadlineExceeded)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = classify("openai", errors.New("connection refused"))
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindNetwork, pe.Kind)

	assert.ErrorIs(t, classify("openai", context.Canceled), context.Canceled)
	assert.NoError(t, classify("openai", nil))
}

// --- Text tool call tests ---

func TestExtractTextToolCalls(t *testing.T) {
	text := "Let me search.\n```tool_call\n{\"tool\": \"find_dances\", \"input\": {\"kind\": \"Reel\"}}\n```\nOne moment."

	calls, rest := ExtractTextToolCalls(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "find_dances", calls[0].Name)
	assert.JSONEq(t, `{"kind":"Reel"}`, calls[0].Arguments)
	assert.NotEmpty(t, calls[0].ID)
	assert.Equal(t, "Let me search.\n\nOne moment.", rest)
}

func TestExtractTextToolCallsIgnoresInvalid(t *testing.T) {
	text := "```tool_call\n{not json}\n```"
	calls, rest := ExtractTextToolCalls(text)
	assert.Empty(t, calls)
	assert.Contains(t, rest, "not json")
}

func TestStripToolMarkup(t *testing.T) {
	text := "Here you go.\n<function_calls><invoke name=\"x\"></invoke></function_calls>\n\n\n\nEnjoy the dance.\n```\ncode stays\n```"
	out := StripToolMarkup(text)
	assert.NotContains(t, out, "function_calls")
	assert.Contains(t, out, "Here you go.")
	assert.Contains(t, out, "Enjoy the dance.")
	assert.Contains(t, out, "```\ncode stays\n```")
}

// --- Provider wire tests ---

func TestOpenAIClientComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "find_dances", "arguments": "{\"kind\":\"Reel\"}"}}]}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("openai", "sk-test", srv.URL+"/v1")
	zero := 0.0
	resp, err := c.Complete(context.Background(), CompletionRequest{
		Model:       "gpt-4o-mini",
		System:      "be brief",
		Temperature: &zero,
		Messages: []Message{
			{Role: RoleUser, Content: "Find reels"},
		},
		Tools: []ToolDefinition{{
			Name:        "find_dances",
			Description: "search dances",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"kind": map[string]any{"type": "string"}}},
		}},
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "find_dances", resp.ToolCalls[0].Name)
	assert.Equal(t, "tool_calls", resp.StopReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Len(t, got["tools"].([]any), 1)
	assert.Greater(t, got["temperature"].(float64), 0.0)
}

func TestOpenAIClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "Rate limit reached", "type": "requests"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("openai", "sk-test", srv.URL+"/v1")
	_, err := c.Complete(context.Background(), CompletionRequest{Model: "gpt-4o-mini", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindAPI, pe.Kind)
	assert.Equal(t, 429, pe.Code)
	assert.True(t, pe.Retryable())
}

func TestOllamaClientComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3.1","created_at":"2024-01-01T00:00:00Z",` +
			`"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"find_dances","arguments":{"kind":"Jig"}}}]},` +
			`"done":true,"done_reason":"stop","prompt_eval_count":20,"eval_count":4}` + "\n"))
	}))
	defer srv.Close()

	c, err := NewOllamaClient("local", srv.URL)
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), CompletionRequest{
		Model:  "llama3.1",
		System: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "Find jigs"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_0", Name: "list_formations", Arguments: `{"limit":5}`}}},
			{Role: RoleTool, ToolCallID: "call_0", Name: "list_formations", Content: `[]`},
		},
		Tools: []ToolDefinition{{
			Name:       "find_dances",
			Parameters: map[string]any{"type": "object", "properties": map[string]any{"kind": map[string]any{"type": "string"}}},
		}},
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "find_dances", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"kind":"Jig"}`, resp.ToolCalls[0].Arguments)
	assert.NotEmpty(t, resp.ToolCalls[0].ID)
	assert.Equal(t, 20, resp.Usage.InputTokens)

	assert.Equal(t, false, got["stream"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 4)
	assert.Equal(t, "tool", msgs[3].(map[string]any)["role"])
}

func TestOllamaClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"nope\" not found"}`))
	}))
	defer srv.Close()

	c, err := NewOllamaClient("local", srv.URL)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), CompletionRequest{Model: "nope"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindAPI, pe.Kind)
	assert.Equal(t, 404, pe.Code)
	assert.False(t, pe.Retryable())
}

func TestAnthropicClientComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-haiku",
			"content": [
				{"type": "text", "text": "Let me search."},
				{"type": "tool_use", "id": "toolu_1", "name": "find_dances", "input": {"kind": "Reel"}}],
			"stop_reason": "tool_use", "stop_sequence": null,
			"usage": {"input_tokens": 20, "output_tokens": 9}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("claude", "sk-ant-test", srv.URL)
	zero := 0.0
	resp, err := c.Complete(context.Background(), CompletionRequest{
		Model:       "claude-haiku",
		System:      "be brief",
		Temperature: &zero,
		Messages: []Message{
			{Role: RoleUser, Content: "Find reels"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "toolu_a", Name: "list_formations", Arguments: `{"limit":5}`},
				{ID: "toolu_b", Name: "search_cribs", Arguments: ""},
			}},
			{Role: RoleTool, ToolCallID: "toolu_a", Name: "list_formations", Content: `[]`},
			{Role: RoleTool, ToolCallID: "toolu_b", Name: "search_cribs", Content: `[]`},
		},
		Tools: []ToolDefinition{{
			Name:        "find_dances",
			Description: "search dances",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"kind": map[string]any{"type": "string"}},
				"required":   []any{"kind"},
			},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Let me search.", resp.Content)
	assert.Equal(t, "tool_use", resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"kind":"Reel"}`, resp.ToolCalls[0].Arguments)
	assert.Equal(t, 20, resp.Usage.InputTokens)
	assert.Equal(t, 9, resp.Usage.OutputTokens)

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 3, "tool results share one user turn")
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
	assert.Len(t, msgs[1].(map[string]any)["content"].([]any), 2)
	results := msgs[2].(map[string]any)
	assert.Equal(t, "user", results["role"])
	assert.Len(t, results["content"].([]any), 2)

	tools := got["tools"].([]any)
	require.Len(t, tools, 1)
	schema := tools[0].(map[string]any)["input_schema"].(map[string]any)
	assert.Equal(t, []any{"kind"}, schema["required"])
	assert.Equal(t, 0.0, got["temperature"])
}

func TestAnthropicClientOverloaded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type": "error", "error": {"type": "overloaded_error", "message": "Overloaded"}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("claude", "sk-ant-test", srv.URL)
	_, err := c.Complete(context.Background(), CompletionRequest{Model: "claude-haiku", Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindAPI, pe.Kind)
	assert.Equal(t, 529, pe.Code)
	assert.True(t, pe.Retryable())
	assert.Equal(t, int32(1), calls.Load(), "the SDK must not retry on its own")
}
