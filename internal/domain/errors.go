package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrGateUnavailable means the relevance check could not produce a verdict.
	ErrGateUnavailable = errors.New("relevance gate unavailable")
	// ErrUnknownTool means the planner named a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments means tool arguments failed schema validation.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrToolTimeout means a tool did not answer within its deadline.
	ErrToolTimeout = errors.New("tool timed out")
	// ErrPlannerLoopExceeded means the planner kept asking for tools past the round limit.
	ErrPlannerLoopExceeded = errors.New("planner loop exceeded")
	// ErrUpstreamLLM means an LLM call failed or returned something unusable.
	ErrUpstreamLLM = errors.New("upstream llm failure")
	// ErrOrphanToolResult means a tool result had no matching pending call.
	ErrOrphanToolResult = errors.New("tool result without pending call")
	// ErrCheckpoint means the thread checkpoint could not be read or written.
	ErrCheckpoint = errors.New("checkpoint failure")
)

// InvalidArgumentsError names the offending argument.
type InvalidArgumentsError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments: %s", e.Reason)
	}
	return fmt.Sprintf("invalid arguments: %s: %s", e.Field, e.Reason)
}

func (e *InvalidArgumentsError) Unwrap() error { return ErrInvalidArguments }

// ToolErrorCode classifies a failed tool call.
type ToolErrorCode string

const (
	ToolErrUnknown   ToolErrorCode = "unknown_tool"
	ToolErrArguments ToolErrorCode = "invalid_arguments"
	ToolErrTimeout   ToolErrorCode = "timeout"
	ToolErrCancelled ToolErrorCode = "cancelled"
	ToolErrFailed    ToolErrorCode = "tool_failed"
)

// ToolError is the structured form of a tool failure carried in a ToolMessage.
type ToolError struct {
	Code    ToolErrorCode `json:"code"`
	Message string        `json:"message"`
	Field   string        `json:"field,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError converts any error returned while running a tool.
func NewToolError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	var ia *InvalidArgumentsError
	switch {
	case errors.As(err, &ia):
		return &ToolError{Code: ToolErrArguments, Message: ia.Reason, Field: ia.Field}
	case errors.Is(err, ErrUnknownTool):
		return &ToolError{Code: ToolErrUnknown, Message: err.Error()}
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Code: ToolErrTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &ToolError{Code: ToolErrCancelled, Message: err.Error()}
	default:
		return &ToolError{Code: ToolErrFailed, Message: err.Error()}
	}
}

// ErrorCode is the machine-readable code carried by an error event.
type ErrorCode string

const (
	CodeGateUnavailable     ErrorCode = "gate_unavailable"
	CodePlannerLoopExceeded ErrorCode = "planner_loop_exceeded"
	CodeUpstreamLLM         ErrorCode = "upstream_llm_failure"
	CodeCheckpointFailed    ErrorCode = "checkpoint_failed"
	CodeInternal            ErrorCode = "internal"
)

// CodeFor maps a turn-fatal error to its event code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrPlannerLoopExceeded):
		return CodePlannerLoopExceeded
	case errors.Is(err, ErrUpstreamLLM):
		return CodeUpstreamLLM
	case errors.Is(err, ErrGateUnavailable):
		return CodeGateUnavailable
	case errors.Is(err, ErrCheckpoint):
		return CodeCheckpointFailed
	default:
		return CodeInternal
	}
}
