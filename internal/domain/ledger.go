package domain

import "fmt"

// CallLedger tracks tool calls that have been requested but not yet answered.
// It enforces that every ToolMessage answers a pending call exactly once.
type CallLedger struct {
	pending map[string]string // call id -> tool name
}

// NewCallLedger replays h and returns the ledger state at its end.
func NewCallLedger(h History) (*CallLedger, error) {
	l := &CallLedger{pending: make(map[string]string)}
	for i, m := range h {
		if err := l.Observe(m); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
	}
	return l, nil
}

// Observe applies one message to the ledger.
func (l *CallLedger) Observe(m Message) error {
	switch v := m.(type) {
	case AssistantMessage:
		for _, c := range v.ToolCalls {
			if c.ID == "" {
				return fmt.Errorf("tool call %q has no id", c.Name)
			}
			if _, dup := l.pending[c.ID]; dup {
				return fmt.Errorf("duplicate tool call id %q", c.ID)
			}
			l.pending[c.ID] = c.Name
		}
	case ToolMessage:
		if _, ok := l.pending[v.CallID]; !ok {
			return fmt.Errorf("%w: %q", ErrOrphanToolResult, v.CallID)
		}
		delete(l.pending, v.CallID)
	}
	return nil
}

// Pending returns the number of unanswered calls.
func (l *CallLedger) Pending() int { return len(l.pending) }

// IsPending reports whether id is awaiting a result.
func (l *CallLedger) IsPending(id string) bool {
	_, ok := l.pending[id]
	return ok
}

// ValidateHistory checks that every tool result in h answers an earlier,
// still-open call and that no call is left unanswered.
func ValidateHistory(h History) error {
	l, err := NewCallLedger(h)
	if err != nil {
		return err
	}
	if l.Pending() > 0 {
		return fmt.Errorf("%d tool call(s) left without a result", l.Pending())
	}
	return nil
}
