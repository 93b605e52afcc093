package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for Client.
type MockClient struct {
	ProviderName string
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

func (m *MockClient) Name() string { return m.ProviderName }

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &CompletionResponse{Content: "mock response"}, nil
}

// ScriptedClient replays canned responses in order and records every request.
// Once the script is exhausted the last entry repeats.
type ScriptedClient struct {
	ProviderName string

	mu       sync.Mutex
	steps    []ScriptStep
	next     int
	requests []CompletionRequest
}

// ScriptStep is one canned reply or failure.
type ScriptStep struct {
	Response *CompletionResponse
	Err      error
}

// NewScriptedClient creates a client that plays steps in order.
func NewScriptedClient(name string, steps ...ScriptStep) *ScriptedClient {
	return &ScriptedClient{ProviderName: name, steps: steps}
}

func (s *ScriptedClient) Name() string { return s.ProviderName }

func (s *ScriptedClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return &CompletionResponse{Content: "mock response"}, nil
	}
	i := s.next
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	} else {
		s.next++
	}
	step := s.steps[i]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Requests returns a copy of every request received so far.
func (s *ScriptedClient) Requests() []CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompletionRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many requests were received.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
