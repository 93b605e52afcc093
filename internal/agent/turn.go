package agent

import (
	"fmt"

	"github.com/ibbo/rowan/internal/domain"
)

// State is a turn's position in the orchestrator state machine.
type State string

const (
	StateStart     State = "start"
	StateGating    State = "gating"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateRejected  State = "rejected"
	StateDone      State = "done"
	StateErrored   State = "errored"
)

// Terminal reports whether s ends the turn.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateDone || s == StateErrored
}

var transitions = map[State][]State{
	StateStart:     {StateGating},
	StateGating:    {StateRejected, StatePlanning},
	StatePlanning:  {StateExecuting, StateDone},
	StateExecuting: {StatePlanning},
}

// Route is where the gate sent the turn.
type Route string

const (
	RouteNone    Route = ""
	RoutePlanner Route = "planner"
	RouteReject  Route = "reject"
)

// Turn is the transient state of one user message being answered.
type Turn struct {
	ThreadID string
	ID       string
	Verdict  domain.Verdict
	Route    Route
	Degraded bool
	// Round counts planner-to-executor round trips taken so far.
	Round int

	state    State
	messages domain.History
	ledger   *domain.CallLedger
}

// NewTurn starts a turn on top of a checkpointed thread.
func NewTurn(threadID, id string, prior domain.History) (*Turn, error) {
	l, err := domain.NewCallLedger(prior)
	if err != nil {
		return nil, fmt.Errorf("%w: stored thread: %w", domain.ErrCheckpoint, err)
	}
	return &Turn{
		ThreadID: threadID,
		ID:       id,
		state:    StateStart,
		messages: prior.Clone(),
		ledger:   l,
	}, nil
}

// State returns the current state.
func (t *Turn) State() State { return t.state }

// To moves the turn to next. Any non-terminal state may move to errored.
func (t *Turn) To(next State) error {
	if t.state.Terminal() {
		return fmt.Errorf("turn already %s", t.state)
	}
	if next == StateErrored {
		t.state = next
		return nil
	}
	for _, s := range transitions[t.state] {
		if s == next {
			t.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", t.state, next)
}

// SetVerdict records the gate outcome and the route it implies.
func (t *Turn) SetVerdict(v domain.Verdict, degraded bool) {
	t.Verdict = v
	t.Degraded = degraded
	if v == domain.VerdictAccept {
		t.Route = RoutePlanner
	} else {
		t.Route = RouteReject
	}
}

// Append adds a message. A ToolMessage that does not answer a pending call
// is refused with domain.ErrOrphanToolResult.
func (t *Turn) Append(m domain.Message) error {
	if err := t.ledger.Observe(m); err != nil {
		return err
	}
	t.messages = append(t.messages, m)
	return nil
}

// Messages returns the history the planner sees.
func (t *Turn) Messages() domain.History { return t.messages }

// Committable returns the history safe to checkpoint. If the last tool
// request was never fully answered, it and any partial results after it
// are left out.
func (t *Turn) Committable() domain.History {
	if t.ledger.Pending() == 0 {
		return t.messages.Clone()
	}
	for i := len(t.messages) - 1; i >= 0; i-- {
		if a, ok := t.messages[i].(domain.AssistantMessage); ok && a.HasToolCalls() {
			return t.messages[:i].Clone()
		}
	}
	return t.messages.Clone()
}
