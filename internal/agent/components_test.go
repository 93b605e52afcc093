package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ibbo/rowan/internal/domain"
	"github.com/ibbo/rowan/internal/llm"
	"github.com/ibbo/rowan/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Gate ---

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in   string
		want domain.Verdict
		ok   bool
	}{
		{"ACCEPT", domain.VerdictAccept, true},
		{"reject", domain.VerdictReject, true},
		{"  Accept.\n", domain.VerdictAccept, true},
		{`"REJECT"`, domain.VerdictReject, true},
		{"ACCEPT because it mentions reels", domain.VerdictUnset, false},
		{"", domain.VerdictUnset, false},
		{"MAYBE", domain.VerdictUnset, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, ok := ParseVerdict(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestGateClassify(t *testing.T) {
	client := llm.NewScriptedClient("gate", answer("ACCEPT"), answer("nonsense"), failWith(networkErr()))
	g := NewGate(client, "m", 2, silentLog())
	prior := domain.History{
		domain.UserMessage{Content: "first"},
		domain.AssistantMessage{Content: "calling", ToolCalls: []domain.ToolCall{{ID: "c", Name: "find_dances"}}},
		domain.ToolMessage{CallID: "c", Tool: "find_dances", Result: []byte(`[]`)},
		domain.AssistantMessage{Content: "no dances found"},
		domain.UserMessage{Content: "ok"},
		domain.AssistantMessage{Content: "anything else?"},
	}

	v, err := g.Classify(context.Background(), "and a jig?", prior)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAccept, v)

	req := client.Requests()[0]
	assert.Equal(t, gatePrompt, req.System)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "ok", req.Messages[0].Content)
	assert.Equal(t, "anything else?", req.Messages[1].Content)
	assert.Equal(t, "User query: and a jig?", req.Messages[2].Content)

	_, err = g.Classify(context.Background(), "x", nil)
	assert.ErrorIs(t, err, domain.ErrGateUnavailable)

	_, err = g.Classify(context.Background(), "x", nil)
	assert.ErrorIs(t, err, domain.ErrGateUnavailable)
	var pe *llm.ProviderError
	assert.True(t, errors.As(err, &pe))
}

func TestGateContextDisabled(t *testing.T) {
	client := llm.NewScriptedClient("gate", answer("REJECT"))
	g := NewGate(client, "m", -1, silentLog())

	_, err := g.Classify(context.Background(), "weather?", domain.History{domain.UserMessage{Content: "earlier"}})
	require.NoError(t, err)
	assert.Len(t, client.Requests()[0].Messages, 1)
}

// --- Planner ---

func TestPlannerFinalAnswerStripsMarkup(t *testing.T) {
	client := llm.NewScriptedClient("p", answer("Try The Wild Geese.\n<function_calls><invoke name=\"x\"></invoke></function_calls>"))
	p := NewPlanner(client, PlannerOptions{}, silentLog())

	msg, err := p.Plan(context.Background(), domain.History{domain.UserMessage{Content: "a jig?"}})
	require.NoError(t, err)
	assert.False(t, msg.HasToolCalls())
	assert.Equal(t, "Try The Wild Geese.", msg.Content)
}

func TestPlannerToolCalls(t *testing.T) {
	client := llm.NewScriptedClient("p", callTools(
		llm.ToolCall{ID: "", Name: "find_dances", Arguments: `{"kind":"Jig"}`},
		llm.ToolCall{ID: "dup", Name: "search_cribs", Arguments: ``},
		llm.ToolCall{ID: "dup", Name: "list_formations", Arguments: `null`},
	))
	p := NewPlanner(client, PlannerOptions{}, silentLog())

	msg, err := p.Plan(context.Background(), domain.History{domain.UserMessage{Content: "q"}})
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 3)
	assert.NotEmpty(t, msg.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"kind": "Jig"}, msg.ToolCalls[0].Arguments)
	assert.Equal(t, "dup", msg.ToolCalls[1].ID)
	assert.NotEqual(t, "dup", msg.ToolCalls[2].ID)
	assert.Equal(t, map[string]any{}, msg.ToolCalls[2].Arguments)
}

func TestPlannerTextToolCalls(t *testing.T) {
	text := "Let me search.\n```tool_call\n{\"tool\": \"find_dances\", \"input\": {\"kind\": \"Reel\"}}\n```\n"
	client := llm.NewScriptedClient("p", answer(text))
	p := NewPlanner(client, PlannerOptions{}, silentLog())

	msg, err := p.Plan(context.Background(), domain.History{domain.UserMessage{Content: "reels"}})
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "find_dances", msg.ToolCalls[0].Name)
	assert.Equal(t, "Let me search.", msg.Content)
}

func TestPlannerMalformedReplies(t *testing.T) {
	tests := []struct {
		name string
		step llm.ScriptStep
	}{
		{"empty answer", answer("   ")},
		{"bad arguments", callTools(llm.ToolCall{ID: "c", Name: "find_dances", Arguments: `{"kind":`})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlanner(llm.NewScriptedClient("p", tt.step), PlannerOptions{}, silentLog())
			_, err := p.Plan(context.Background(), domain.History{domain.UserMessage{Content: "q"}})
			var pe *llm.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, llm.KindMalformed, pe.Kind)
			assert.True(t, isRetryable(err))
		})
	}
}

func TestPlannerSendsToolsAndPrompt(t *testing.T) {
	reg := tools.NewRegistry(staticTool("find_dances", nil))
	client := llm.NewScriptedClient("p", answer("ok"))
	fixed := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	p := NewPlanner(client, PlannerOptions{
		Model:       "gpt",
		Tools:       reg.LLMDefinitions(),
		ExtraPrompt: "Prefer RSCDS dances.",
		Now:         func() time.Time { return fixed },
	}, silentLog())

	_, err := p.Plan(context.Background(), domain.History{domain.UserMessage{Content: "q"}})
	require.NoError(t, err)

	req := client.Requests()[0]
	assert.Equal(t, "gpt", req.Model)
	require.Len(t, req.Tools, 1)
	assert.Contains(t, req.System, "Current date: 2026-03-14")
	assert.Contains(t, req.System, "- find_dances: Test tool find_dances\n")
	assert.Contains(t, req.System, "Prefer RSCDS dances.")
}

func TestToLLMMessages(t *testing.T) {
	h := domain.History{
		domain.UserMessage{Content: "q"},
		domain.AssistantMessage{ToolCalls: []domain.ToolCall{{ID: "c1", Name: "find_dances", Arguments: map[string]any{"kind": "Reel"}}}},
		domain.ToolMessage{CallID: "c1", Tool: "find_dances", Error: &domain.ToolError{Code: domain.ToolErrFailed, Message: "boom"}},
	}
	msgs, err := toLLMMessages(h)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, `{"kind":"Reel"}`, msgs[1].ToolCalls[0].Arguments)
	assert.Equal(t, llm.RoleTool, msgs[2].Role)
	assert.JSONEq(t, `{"error":{"code":"tool_failed","message":"boom"}}`, msgs[2].Content)
}

// --- Executor ---

type recorder struct {
	mu     sync.Mutex
	events []domain.Payload
}

func (r *recorder) emit(p domain.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) results() []domain.ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ToolResult
	for _, p := range r.events {
		if res, ok := p.(domain.ToolResult); ok {
			out = append(out, res)
		}
	}
	return out
}

func TestExecutorErrorsBecomeData(t *testing.T) {
	var invoked atomic.Int32
	reg := tools.NewRegistry(
		staticTool("ok", map[string]int{"n": 1}),
		newFuncTool("fails", func(ctx context.Context, args map[string]any) (any, error) {
			return nil, fmt.Errorf("database locked")
		}),
		newFuncTool("panics", func(ctx context.Context, args map[string]any) (any, error) {
			panic("oops")
		}),
		newFuncTool("counted", func(ctx context.Context, args map[string]any) (any, error) {
			invoked.Add(1)
			return nil, nil
		}),
		newFuncTool("unencodable", func(ctx context.Context, args map[string]any) (any, error) {
			return make(chan int), nil
		}),
	)
	exec := NewExecutor(reg, time.Second, 0, silentLog())
	rec := &recorder{}

	calls := []domain.ToolCall{
		{ID: "1", Name: "ok"},
		{ID: "2", Name: "fails"},
		{ID: "3", Name: "panics"},
		{ID: "4", Name: "missing"},
		{ID: "5", Name: "counted", Arguments: map[string]any{"max_bars": float64(0)}},
		{ID: "6", Name: "unencodable"},
	}
	out := exec.Execute(context.Background(), 1, calls, rec.emit)
	require.Len(t, out, len(calls))

	for i, c := range calls {
		assert.Equal(t, c.ID, out[i].CallID, "results keep request order")
		assert.Equal(t, c.Name, out[i].Tool)
	}
	assert.Nil(t, out[0].Error)
	assert.JSONEq(t, `{"n":1}`, string(out[0].Result))

	wantCodes := []domain.ToolErrorCode{
		"", domain.ToolErrFailed, domain.ToolErrFailed, domain.ToolErrUnknown, domain.ToolErrArguments, domain.ToolErrFailed,
	}
	for i, want := range wantCodes[1:] {
		require.NotNil(t, out[i+1].Error, "call %s", calls[i+1].ID)
		assert.Equal(t, want, out[i+1].Error.Code, "call %s", calls[i+1].ID)
	}
	assert.Equal(t, "max_bars", out[4].Error.Field)
	assert.Equal(t, int32(0), invoked.Load(), "invalid arguments must not reach the tool")

	// All starts come before any result.
	require.Len(t, rec.events, 2*len(calls))
	for i := range calls {
		_, ok := rec.events[i].(domain.ToolStart)
		assert.True(t, ok)
	}
	assert.Len(t, rec.results(), len(calls))
}

func TestExecutorTimeoutDoesNotBlockSiblings(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	reg := tools.NewRegistry(
		newFuncTool("stuck", func(ctx context.Context, args map[string]any) (any, error) {
			<-stuck // ignores its context
			return nil, nil
		}),
		staticTool("fast", "ok"),
	)
	exec := NewExecutor(reg, 40*time.Millisecond, 0, silentLog())
	rec := &recorder{}

	start := time.Now()
	out := exec.Execute(context.Background(), 1, []domain.ToolCall{
		{ID: "a", Name: "stuck"},
		{ID: "b", Name: "fast"},
	}, rec.emit)

	assert.Less(t, time.Since(start), 2*time.Second)
	require.NotNil(t, out[0].Error)
	assert.Equal(t, domain.ToolErrTimeout, out[0].Error.Code)
	assert.Nil(t, out[1].Error)

	results := rec.results()
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].CallID, "results are emitted in completion order")
}

func TestExecutorRunsCallsConcurrently(t *testing.T) {
	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	barrier := newFuncTool("barrier", func(ctx context.Context, args map[string]any) (any, error) {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	exec := NewExecutor(tools.NewRegistry(barrier), 2*time.Second, n, silentLog())

	calls := make([]domain.ToolCall, n)
	for i := range calls {
		calls[i] = domain.ToolCall{ID: fmt.Sprint(i), Name: "barrier"}
	}
	out := exec.Execute(context.Background(), 1, calls, func(domain.Payload) {})
	for _, m := range out {
		assert.Nil(t, m.Error)
	}
}

func TestExecutorRespectsMaxParallel(t *testing.T) {
	var cur, peak atomic.Int32
	tool := newFuncTool("slow", func(ctx context.Context, args map[string]any) (any, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return nil, nil
	})
	exec := NewExecutor(tools.NewRegistry(tool), time.Second, 2, silentLog())

	calls := make([]domain.ToolCall, 6)
	for i := range calls {
		calls[i] = domain.ToolCall{ID: fmt.Sprint(i), Name: "slow"}
	}
	exec.Execute(context.Background(), 1, calls, func(domain.Payload) {})
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg := tools.NewRegistry(newFuncTool("waits", func(ctx context.Context, args map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	out := NewExecutor(reg, time.Second, 0, silentLog()).Execute(ctx, 1, []domain.ToolCall{{ID: "x", Name: "waits"}}, func(domain.Payload) {})
	require.NotNil(t, out[0].Error)
	assert.Equal(t, domain.ToolErrCancelled, out[0].Error.Code)
}

// --- Turn state ---

func TestTurnTransitions(t *testing.T) {
	tr, err := NewTurn("t", "turn", nil)
	require.NoError(t, err)
	assert.Equal(t, StateStart, tr.State())

	assert.Error(t, tr.To(StatePlanning))
	require.NoError(t, tr.To(StateGating))
	require.NoError(t, tr.To(StatePlanning))
	require.NoError(t, tr.To(StateExecuting))
	assert.Error(t, tr.To(StateDone))
	require.NoError(t, tr.To(StatePlanning))
	require.NoError(t, tr.To(StateDone))
	assert.True(t, tr.State().Terminal())
	assert.Error(t, tr.To(StateErrored))
}

func TestTurnRefusesOrphanResult(t *testing.T) {
	tr, err := NewTurn("t", "turn", nil)
	require.NoError(t, err)

	err = tr.Append(domain.ToolMessage{CallID: "nope", Tool: "find_dances"})
	assert.ErrorIs(t, err, domain.ErrOrphanToolResult)
	assert.Empty(t, tr.Messages())
}

func TestTurnCommittableDropsDanglingRequest(t *testing.T) {
	tr, err := NewTurn("t", "turn", domain.History{domain.UserMessage{Content: "old"}, domain.AssistantMessage{Content: "old answer"}})
	require.NoError(t, err)
	require.NoError(t, tr.Append(domain.UserMessage{Content: "q"}))
	require.NoError(t, tr.Append(domain.AssistantMessage{ToolCalls: []domain.ToolCall{{ID: "a", Name: "x"}, {ID: "b", Name: "y"}}}))
	require.NoError(t, tr.Append(domain.ToolMessage{CallID: "a", Tool: "x"}))

	got := tr.Committable()
	assert.Len(t, got, 3)
	assert.NoError(t, domain.ValidateHistory(got))

	require.NoError(t, tr.Append(domain.ToolMessage{CallID: "b", Tool: "y"}))
	assert.Len(t, tr.Committable(), 5)
}

func TestNewTurnRejectsCorruptHistory(t *testing.T) {
	_, err := NewTurn("t", "turn", domain.History{domain.ToolMessage{CallID: "x"}})
	assert.ErrorIs(t, err, domain.ErrCheckpoint)
	assert.Equal(t, domain.CodeCheckpointFailed, domain.CodeFor(err))
}

func TestSetVerdictRoutes(t *testing.T) {
	tr, _ := NewTurn("t", "turn", nil)
	tr.SetVerdict(domain.VerdictAccept, false)
	assert.Equal(t, RoutePlanner, tr.Route)
	tr.SetVerdict(domain.VerdictReject, true)
	assert.Equal(t, RouteReject, tr.Route)
	assert.True(t, tr.Degraded)
}

// --- Thread locks ---

func TestThreadLocks(t *testing.T) {
	l := newThreadLocks()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "a")
	require.NoError(t, err)

	other, err := l.Lock(ctx, "b")
	require.NoError(t, err, "different threads do not block each other")
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan func())
	go func() {
		u, err := l.Lock(ctx, "a")
		if err == nil {
			acquired <- u
		}
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	unlock() // idempotent
	u := <-acquired
	u()
	assert.Equal(t, 0, l.size())
}

// --- Checkpoints ---

func TestMemoryCheckpointStore(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	cp, err := s.Load(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.Version)
	assert.Empty(t, cp.Messages)

	h := domain.History{domain.UserMessage{Content: "q"}, domain.AssistantMessage{Content: "a"}}
	saved, err := s.Save(ctx, "t", h)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	h[0] = domain.UserMessage{Content: "mutated"}
	loaded, err := s.Load(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, domain.UserMessage{Content: "q"}, loaded.Messages[0], "store keeps its own copy")

	saved, err = s.Save(ctx, "t", loaded.Messages[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	_, err = s.Save(ctx, "t", domain.History{domain.AssistantMessage{ToolCalls: []domain.ToolCall{{ID: "c", Name: "x"}}}})
	assert.ErrorIs(t, err, domain.ErrCheckpoint)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Messages)

	n, err := s.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.Delete(ctx, "t"))
}

// --- Failover ---

func TestFailoverTriesFallback(t *testing.T) {
	var callOrder []string
	primary := &llm.MockClient{
		ProviderName: "primary",
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			callOrder = append(callOrder, "primary:"+req.Model)
			return nil, &llm.ProviderError{Provider: "primary", Kind: llm.KindAPI, Message: "overloaded", Code: 529}
		},
	}
	fallback := &llm.MockClient{
		ProviderName: "fallback",
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			callOrder = append(callOrder, "fallback:"+req.Model)
			return &llm.CompletionResponse{Content: "fallback response"}, nil
		},
	}
	reg := llm.NewRegistry(silentLog())
	reg.Register("primary", primary)
	reg.Register("fallback", fallback)

	fc := NewFailoverClient(reg, "primary/big", []string{"fallback/small"}, silentLog())
	resp, err := fc.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fallback response", resp.Content)
	assert.Equal(t, []string{"primary:big", "fallback:small"}, callOrder)
	assert.Equal(t, "primary/big", fc.Name())
}

func TestFailoverNonRetryableStops(t *testing.T) {
	calls := 0
	mock := func(name string) *llm.MockClient {
		return &llm.MockClient{
			ProviderName: name,
			CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
				calls++
				return nil, &llm.ProviderError{Provider: name, Kind: llm.KindAPI, Code: 400, Message: "bad request"}
			},
		}
	}
	reg := llm.NewRegistry(silentLog())
	reg.Register("primary", mock("primary"))
	reg.Register("fallback", mock("fallback"))

	fc := NewFailoverClient(reg, "primary/m", []string{"fallback/m"}, silentLog())
	_, err := fc.Complete(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "should not try fallback on non-retryable error")
}

func TestFailoverCallTimeout(t *testing.T) {
	slow := &llm.MockClient{
		ProviderName: "slow",
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	reg := llm.NewRegistry(silentLog())
	reg.Register("slow", slow)
	fc := NewFailoverClient(reg, "slow/m", nil, silentLog())
	fc.CallTimeout = 10 * time.Millisecond

	_, err := fc.Complete(context.Background(), llm.CompletionRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&llm.ProviderError{Kind: llm.KindAPI, Code: 429}))
	assert.True(t, isRetryable(&llm.ProviderError{Kind: llm.KindAPI, Code: 503}))
	assert.True(t, isRetryable(&llm.ProviderError{Kind: llm.KindNetwork}))
	assert.True(t, isRetryable(fmt.Errorf("wrapped: %w", &llm.ProviderError{Kind: llm.KindTimeout})))
	assert.True(t, isRetryable(context.DeadlineExceeded))
	assert.False(t, isRetryable(&llm.ProviderError{Kind: llm.KindAPI, Code: 401}))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(fmt.Errorf("invalid input")))
	assert.False(t, isRetryable(nil))
}

func TestRejection(t *testing.T) {
	assert.Equal(t, RejectionMessage, Rejection(false))
	assert.Equal(t, DegradedMessage, Rejection(true))
	assert.Contains(t, RejectionMessage, "Could you rephrase your question to focus on Scottish Country Dancing?")
}
