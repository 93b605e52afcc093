package agent

import (
	"context"
	"testing"
	"time"

	"github.com/ibbo/rowan/internal/domain"
	"github.com/ibbo/rowan/internal/llm"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/ibbo/rowan/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

// funcTool is a tools.Tool backed by a function.
type funcTool struct {
	def mcp.Tool
	fn  func(ctx context.Context, args map[string]any) (any, error)
}

func (f *funcTool) Definition() mcp.Tool { return f.def }

func (f *funcTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return f.fn(ctx, args)
}

func newFuncTool(name string, fn func(ctx context.Context, args map[string]any) (any, error)) *funcTool {
	return &funcTool{
		def: mcp.NewTool(name,
			mcp.WithDescription("Test tool "+name+". Second sentence."),
			mcp.WithString("kind"),
			mcp.WithNumber("max_bars", mcp.Min(1)),
		),
		fn: fn,
	}
}

func staticTool(name string, result any) *funcTool {
	return newFuncTool(name, func(ctx context.Context, args map[string]any) (any, error) {
		return result, nil
	})
}

func answer(content string) llm.ScriptStep {
	return llm.ScriptStep{Response: &llm.CompletionResponse{Content: content}}
}

func callTools(calls ...llm.ToolCall) llm.ScriptStep {
	return llm.ScriptStep{Response: &llm.CompletionResponse{ToolCalls: calls}}
}

func failWith(err error) llm.ScriptStep {
	return llm.ScriptStep{Err: err}
}

func networkErr() error {
	return &llm.ProviderError{Provider: "mock", Kind: llm.KindNetwork, Message: "connection reset"}
}

type harness struct {
	orch    *Orchestrator
	gate    *llm.ScriptedClient
	planner *llm.ScriptedClient
	store   *MemoryCheckpointStore
}

type harnessOpts struct {
	gate        []llm.ScriptStep
	planner     []llm.ScriptStep
	tools       []tools.Tool
	toolTimeout time.Duration
	store       CheckpointStore
	options     Options
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.gate == nil {
		o.gate = []llm.ScriptStep{answer("ACCEPT")}
	}
	if o.options.RetryDelay == 0 {
		o.options.RetryDelay = time.Millisecond
	}
	h := &harness{
		gate:    llm.NewScriptedClient("gate", o.gate...),
		planner: llm.NewScriptedClient("planner", o.planner...),
		store:   NewMemoryCheckpointStore(),
	}
	store := o.store
	if store == nil {
		store = h.store
	}
	reg := tools.NewRegistry(o.tools...)
	h.orch = New(
		NewGate(h.gate, "gate-model", 0, silentLog()),
		NewPlanner(h.planner, PlannerOptions{Model: "planner-model", Tools: reg.LLMDefinitions()}, silentLog()),
		NewExecutor(reg, o.toolTimeout, 0, silentLog()),
		store,
		o.options,
		silentLog(),
	)
	return h
}

// collect drains a turn's events, failing the test if the channel is not
// closed in time.
func collect(t *testing.T, ch <-chan domain.Event) []domain.Event {
	t.Helper()
	var out []domain.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event channel not closed; got %d events", len(out))
			return out
		}
	}
}

func (h *harness) run(t *testing.T, thread, text string) []domain.Event {
	t.Helper()
	ch, err := h.orch.RunTurn(context.Background(), thread, text)
	require.NoError(t, err)
	return collect(t, ch)
}

func kinds(evs []domain.Event) []domain.EventKind {
	out := make([]domain.EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func last(evs []domain.Event) domain.Event {
	return evs[len(evs)-1]
}

// requireWellFormed checks sequence numbering and that exactly one terminal
// event ends the stream.
func requireWellFormed(t *testing.T, evs []domain.Event) {
	t.Helper()
	require.NotEmpty(t, evs)
	for i, ev := range evs {
		require.Equal(t, int64(i+1), ev.Seq, "seq of event %d", i)
		require.Equal(t, i == len(evs)-1, ev.Kind.Terminal(), "terminal position of %s", ev.Kind)
	}
}
