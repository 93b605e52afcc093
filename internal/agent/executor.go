package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ibbo/rowan/internal/domain"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/ibbo/rowan/internal/metrics"
	"github.com/ibbo/rowan/internal/tools"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultToolTimeout = 20 * time.Second
	DefaultMaxParallel = 8
)

// Emitter receives event payloads. It must be safe for concurrent use.
type Emitter func(domain.Payload)

// Executor runs one planner round's tool calls concurrently. Every call
// resolves to exactly one ToolMessage; failures become ToolErrors, never Go
// errors.
type Executor struct {
	tools       *tools.Registry
	timeout     time.Duration
	maxParallel int
	log         *logging.Logger
}

// NewExecutor creates an executor. Zero timeout or maxParallel select the
// defaults.
func NewExecutor(reg *tools.Registry, timeout time.Duration, maxParallel int, log *logging.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Executor{tools: reg, timeout: timeout, maxParallel: maxParallel, log: log.Sub("executor")}
}

// Execute runs calls and returns their results in request order once all
// have resolved. tool_start is emitted for every call before any is
// dispatched; tool_result is emitted as each one finishes.
func (e *Executor) Execute(ctx context.Context, round int, calls []domain.ToolCall, emit Emitter) []domain.ToolMessage {
	for _, c := range calls {
		emit(domain.ToolStart{CallID: c.ID, Tool: c.Name, Arguments: c.Arguments, Round: round})
	}

	out := make([]domain.ToolMessage, len(calls))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, c := range calls {
		g.Go(func() error {
			out[i] = e.run(ctx, round, c, emit)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type outcome struct {
	result any
	err    error
}

func (e *Executor) run(ctx context.Context, round int, c domain.ToolCall, emit Emitter) domain.ToolMessage {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// The call runs in its own goroutine so a tool that ignores its context
	// still cannot hold up the batch past the deadline.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := e.tools.Invoke(callCtx, c.Name, c.Arguments)
		done <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
		o.err = callCtx.Err()
	}

	msg := domain.ToolMessage{CallID: c.ID, Tool: c.Name}
	if o.err == nil {
		data, err := json.Marshal(o.result)
		if err != nil {
			o.err = fmt.Errorf("encoding result: %w", err)
		} else {
			msg.Result = data
		}
	}
	if o.err != nil {
		if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			o.err = fmt.Errorf("%w after %s", domain.ErrToolTimeout, e.timeout)
		}
		msg.Error = domain.NewToolError(o.err)
	}

	dur := time.Since(start)
	status := "ok"
	if msg.Error != nil {
		status = string(msg.Error.Code)
		e.log.Debug().Str("tool", c.Name).Str("callId", c.ID).Str("code", status).Str("error", msg.Error.Message).Msg("tool call failed")
	}
	metrics.RecordToolCall(c.Name, status, dur.Seconds())

	emit(domain.ToolResult{
		CallID:     c.ID,
		Tool:       c.Name,
		Result:     msg.Result,
		Error:      msg.Error,
		DurationMS: dur.Milliseconds(),
		Round:      round,
	})
	return msg
}
