package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/ibbo/rowan/internal/domain"
	"github.com/ibbo/rowan/internal/llm"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/ibbo/rowan/internal/metrics"
)

// DefaultGateContextMessages is how many earlier thread messages the gate
// sees when agent.gateContextMessages is unset.
const DefaultGateContextMessages = 4

// Gate classifies a query as on or off topic before any planning happens.
type Gate struct {
	client          llm.Client
	model           string
	contextMessages int
	log             *logging.Logger
}

// NewGate creates a relevance gate. contextMessages below zero disables
// thread context; zero selects the default.
func NewGate(client llm.Client, model string, contextMessages int, log *logging.Logger) *Gate {
	if contextMessages == 0 {
		contextMessages = DefaultGateContextMessages
	}
	if contextMessages < 0 {
		contextMessages = 0
	}
	return &Gate{client: client, model: model, contextMessages: contextMessages, log: log.Sub("gate")}
}

// Classify returns VerdictAccept or VerdictReject for text. prior is the
// thread before this turn. Any LLM failure or an answer that is not a
// recognisable verdict returns an error wrapping domain.ErrGateUnavailable.
func (g *Gate) Classify(ctx context.Context, text string, prior domain.History) (domain.Verdict, error) {
	req := llm.CompletionRequest{
		Model:     g.model,
		System:    gatePrompt,
		Messages:  append(g.contextFrom(prior), llm.Message{Role: llm.RoleUser, Content: "User query: " + text}),
		MaxTokens: 8,
	}
	zero := 0.0
	req.Temperature = &zero

	start := time.Now()
	resp, err := g.client.Complete(ctx, req)
	metrics.RecordLLMCall(g.client.Name(), "gate", time.Since(start).Seconds(), err)
	if err != nil {
		return domain.VerdictUnset, fmt.Errorf("%w: %w", domain.ErrGateUnavailable, err)
	}

	v, ok := ParseVerdict(resp.Content)
	if !ok {
		g.log.Warn().Str("answer", resp.Content).Msg("unparseable gate answer")
		return domain.VerdictUnset, fmt.Errorf("%w: unparseable answer %q", domain.ErrGateUnavailable, truncate(resp.Content, 40))
	}
	return v, nil
}

// contextFrom renders the tail of the thread as plain conversation. Tool
// traffic is left out.
func (g *Gate) contextFrom(h domain.History) []llm.Message {
	if g.contextMessages == 0 {
		return nil
	}
	var out []llm.Message
	for i := len(h) - 1; i >= 0 && len(out) < g.contextMessages; i-- {
		switch m := h[i].(type) {
		case domain.UserMessage:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case domain.AssistantMessage:
			if m.Content != "" && !m.HasToolCalls() {
				out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
			}
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ParseVerdict reads a one-word ACCEPT or REJECT answer. Case, quotes and
// trailing punctuation are ignored.
func ParseVerdict(answer string) (domain.Verdict, bool) {
	word := strings.TrimFunc(strings.TrimSpace(answer), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	switch strings.ToUpper(word) {
	case "ACCEPT":
		return domain.VerdictAccept, true
	case "REJECT":
		return domain.VerdictReject, true
	}
	return domain.VerdictUnset, false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
