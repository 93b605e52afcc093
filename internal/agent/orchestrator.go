// Package agent answers dance questions. A turn passes the relevance gate,
// then alternates between the planner and the tool executor until the
// planner gives a final answer, streaming every step as a domain.Event.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ibbo/rowan/internal/config"
	"github.com/ibbo/rowan/internal/domain"
	"github.com/ibbo/rowan/internal/llm"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/ibbo/rowan/internal/metrics"
	"github.com/ibbo/rowan/internal/tools"
)

const (
	DefaultMaxPlannerRounds = 6
	DefaultPlannerRetries   = 1
	DefaultRetryDelay       = 500 * time.Millisecond

	eventBuffer = 32
)

// ErrInvalidTurn is returned by RunTurn for an empty thread id or message.
var ErrInvalidTurn = errors.New("invalid turn")

// Turn outcomes, as recorded in metrics.
const (
	outcomeAnswered  = "answered"
	outcomeRejected  = "rejected"
	outcomeErrored   = "errored"
	outcomeCancelled = "cancelled"
)

// Options bounds a turn.
type Options struct {
	// MaxPlannerRounds is the number of planner-to-executor round trips a
	// turn may take. Zero selects DefaultMaxPlannerRounds.
	MaxPlannerRounds int
	// PlannerRetries is how often a failed planner call is repeated. Zero
	// selects DefaultPlannerRetries; negative disables retries.
	PlannerRetries int
	// RetryDelay is the first backoff between planner attempts; it doubles
	// on each further attempt.
	RetryDelay time.Duration
	// TurnTimeout bounds the gate, planner and tool work of one turn when
	// positive.
	TurnTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPlannerRounds <= 0 {
		o.MaxPlannerRounds = DefaultMaxPlannerRounds
	}
	switch {
	case o.PlannerRetries == 0:
		o.PlannerRetries = DefaultPlannerRetries
	case o.PlannerRetries < 0:
		o.PlannerRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Orchestrator runs turns. It is safe for concurrent use; turns on the same
// thread run one at a time, turns on different threads run in parallel.
type Orchestrator struct {
	gate    *Gate
	planner *Planner
	exec    *Executor
	store   CheckpointStore
	locks   *threadLocks
	opts    Options
	log     *logging.Logger
	now     func() time.Time
}

// New creates an orchestrator from its parts.
func New(gate *Gate, planner *Planner, exec *Executor, store CheckpointStore, opts Options, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		gate:    gate,
		planner: planner,
		exec:    exec,
		store:   store,
		locks:   newThreadLocks(),
		opts:    opts.withDefaults(),
		log:     log.Sub("orchestrator"),
		now:     time.Now,
	}
}

// NewFromConfig wires the gate and planner to providers through failover
// clients and the executor to reg.
func NewFromConfig(cfg *config.Config, providers *llm.Registry, reg *tools.Registry, store CheckpointStore, log *logging.Logger) *Orchestrator {
	gateClient := NewFailoverClient(providers, cfg.LLM.GateModel, cfg.LLM.Fallbacks, log)
	gateClient.CallTimeout = cfg.LLM.CallTimeout
	plannerClient := NewFailoverClient(providers, cfg.LLM.PlannerModel, cfg.LLM.Fallbacks, log)
	plannerClient.CallTimeout = cfg.LLM.CallTimeout

	gate := NewGate(gateClient, cfg.LLM.GateModel, cfg.Agent.GateContextMessages, log)
	planner := NewPlanner(plannerClient, PlannerOptions{
		Model:       cfg.LLM.PlannerModel,
		Tools:       reg.LLMDefinitions(),
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}, log)
	exec := NewExecutor(reg, cfg.Tools.CallTimeout, cfg.Tools.MaxParallel, log)

	return New(gate, planner, exec, store, Options{
		MaxPlannerRounds: cfg.Agent.MaxPlannerRounds,
		PlannerRetries:   cfg.Agent.PlannerRetries,
		RetryDelay:       cfg.Agent.RetryDelay,
		TurnTimeout:      cfg.Agent.TurnTimeout,
	}, log)
}

// RunTurn answers text on thread threadID. Events arrive on the returned
// channel in seq order, starting at 1. The channel is closed after exactly
// one final or error event, or without a terminal event if ctx is
// cancelled first. The only synchronous error is ErrInvalidTurn.
func (o *Orchestrator) RunTurn(ctx context.Context, threadID, text string) (<-chan domain.Event, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("%w: empty thread id", ErrInvalidTurn)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidTurn)
	}

	ch := make(chan domain.Event, eventBuffer)
	go o.run(ctx, threadID, text, ch)
	return ch, nil
}

func (o *Orchestrator) run(ctx context.Context, threadID, text string, ch chan domain.Event) {
	defer close(ch)
	start := o.now()
	s := &stream{ctx: ctx, ch: ch, now: o.now}
	log := o.log.With("thread", threadID)

	unlock, err := o.locks.Lock(ctx, threadID)
	if err != nil {
		metrics.RecordTurn(outcomeCancelled, time.Since(start).Seconds())
		return
	}
	defer unlock()

	work, cancel := ctx, context.CancelFunc(func() {})
	if o.opts.TurnTimeout > 0 {
		work, cancel = context.WithTimeout(ctx, o.opts.TurnTimeout)
	}
	defer cancel()

	outcome := o.turn(ctx, work, threadID, text, s, log)
	log.Info().Str("outcome", outcome).Dur("dur", time.Since(start)).Msg("turn finished")
	metrics.RecordTurn(outcome, time.Since(start).Seconds())
}

// turn drives the state machine. ctx is the caller's context and decides
// cancellation; work additionally carries the turn timeout.
func (o *Orchestrator) turn(ctx, work context.Context, threadID, text string, s *stream, log *logging.Logger) string {
	cp, err := o.store.Load(work, threadID)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		log.Error().Err(err).Msg("loading checkpoint")
		s.emit(domain.ErrorPayload{Code: domain.CodeCheckpointFailed, Message: err.Error()})
		return outcomeErrored
	}

	t, err := NewTurn(threadID, uuid.NewString(), cp.Messages)
	if err != nil {
		log.Error().Err(err).Msg("stored thread is inconsistent")
		s.emit(domain.ErrorPayload{Code: domain.CodeFor(err), Message: err.Error()})
		return outcomeErrored
	}
	log = log.With("turn", t.ID)
	log.Debug().Int64("version", cp.Version).Int("history", len(cp.Messages)).Msg("turn started")

	_ = t.To(StateGating)
	_ = t.Append(domain.UserMessage{Content: text})

	verdict, degraded, attempts := o.classify(work, text, cp.Messages, log)
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	if err := work.Err(); degraded && err != nil {
		return o.fail(ctx, t, s, fmt.Errorf("turn timed out after %s during the relevance check: %w", o.opts.TurnTimeout, err), log)
	}
	t.SetVerdict(verdict, degraded)
	metrics.RecordGate(string(verdict), degraded)
	s.emit(domain.GateStatus{Verdict: verdict, Degraded: degraded, Attempts: attempts})

	if t.Route == RouteReject {
		_ = t.To(StateRejected)
		reply := Rejection(degraded)
		_ = t.Append(domain.AssistantMessage{Content: reply})
		return o.finish(ctx, t, s, domain.Final{Content: reply, Rejected: true, Degraded: degraded}, log)
	}

	_ = t.To(StatePlanning)
	for {
		msg, err := o.plan(work, t, log)
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		if err != nil {
			return o.fail(ctx, t, s, err, log)
		}

		if !msg.HasToolCalls() {
			_ = t.Append(msg)
			_ = t.To(StateDone)
			metrics.RecordRounds(t.Round)
			return o.finish(ctx, t, s, domain.Final{Content: msg.Content, Rounds: t.Round}, log)
		}

		if t.Round >= o.opts.MaxPlannerRounds {
			return o.fail(ctx, t, s, fmt.Errorf("%w: tools still requested after %d rounds",
				domain.ErrPlannerLoopExceeded, t.Round), log)
		}
		if err := t.Append(msg); err != nil {
			return o.fail(ctx, t, s, fmt.Errorf("%w: %w", domain.ErrUpstreamLLM, err), log)
		}
		t.Round++
		_ = t.To(StateExecuting)
		log.Debug().Int("round", t.Round).Int("calls", len(msg.ToolCalls)).Msg("executing tools")

		if msg.Content != "" {
			s.emit(domain.AssistantPartial{Content: msg.Content, Round: t.Round})
		}
		results := o.exec.Execute(work, t.Round, msg.ToolCalls, s.emit)
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		for _, r := range results {
			if err := t.Append(r); err != nil {
				return o.fail(ctx, t, s, err, log)
			}
		}
		if err := work.Err(); err != nil {
			return o.fail(ctx, t, s, fmt.Errorf("turn timed out after %s: %w", o.opts.TurnTimeout, err), log)
		}
		_ = t.To(StatePlanning)
	}
}

// classify asks the gate, retrying once. If both attempts fail the turn is
// rejected as degraded.
func (o *Orchestrator) classify(ctx context.Context, text string, prior domain.History, log *logging.Logger) (domain.Verdict, bool, int) {
	const attempts = 2
	for i := 1; i <= attempts; i++ {
		v, err := o.gate.Classify(ctx, text, prior)
		if err == nil {
			return v, false, i
		}
		if ctx.Err() != nil {
			return domain.VerdictReject, true, i
		}
		log.Warn().Err(err).Int("attempt", i).Msg("relevance gate failed")
	}
	return domain.VerdictReject, true, attempts
}

// plan calls the planner, retrying retryable failures with exponential
// backoff.
func (o *Orchestrator) plan(ctx context.Context, t *Turn, log *logging.Logger) (domain.AssistantMessage, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	msg, err := backoff.RetryNotifyWithData(func() (domain.AssistantMessage, error) {
		attempt++
		msg, err := o.planner.Plan(ctx, t.Messages())
		if err != nil && !isRetryable(err) {
			return msg, backoff.Permanent(err)
		}
		return msg, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.opts.PlannerRetries)), ctx),
		func(err error, wait time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Int("round", t.Round).Dur("wait", wait).Msg("planner call failed, retrying")
		})
	if err != nil {
		return domain.AssistantMessage{}, fmt.Errorf("%w: %w", domain.ErrUpstreamLLM, err)
	}
	return msg, nil
}

// finish checkpoints a successful or rejected turn, then emits its final
// event. A failed save replaces the final event with a checkpoint_failed
// error. Once the save succeeds the turn counts as committed, so a cancel
// arriving afterwards no longer suppresses the final event.
func (o *Orchestrator) finish(ctx context.Context, t *Turn, s *stream, final domain.Final, log *logging.Logger) string {
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	cp, err := o.store.Save(ctx, t.ThreadID, t.Committable())
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		log.Error().Err(err).Msg("saving checkpoint")
		s.emit(domain.ErrorPayload{Code: domain.CodeCheckpointFailed, Message: err.Error()})
		return outcomeErrored
	}
	log.Debug().Int64("version", cp.Version).Msg("checkpoint saved")
	s.commit(final)
	if final.Rejected {
		return outcomeRejected
	}
	return outcomeAnswered
}

// fail checkpoints what the turn completed and emits the error event.
func (o *Orchestrator) fail(ctx context.Context, t *Turn, s *stream, cause error, log *logging.Logger) string {
	_ = t.To(StateErrored)
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	log.Warn().Err(cause).Int("round", t.Round).Msg("turn failed")
	payload := domain.ErrorPayload{Code: domain.CodeFor(cause), Message: cause.Error()}
	if _, err := o.store.Save(ctx, t.ThreadID, t.Committable()); err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		log.Error().Err(err).Msg("saving checkpoint after failure")
		s.emit(payload)
		return outcomeErrored
	}
	s.commit(payload)
	return outcomeErrored
}

// stream numbers events and delivers them in order. Once the caller's
// context ends, or a terminal event has been sent, further events are
// dropped.
type stream struct {
	ctx  context.Context
	ch   chan<- domain.Event
	now  func() time.Time
	mu   sync.Mutex
	seq  int64
	done bool
}

func (s *stream) emit(p domain.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.ctx.Err() != nil {
		return
	}
	ev := domain.NewEvent(s.seq+1, p, s.now())
	select {
	case s.ch <- ev:
		s.seq++
		s.done = p.Kind().Terminal()
	case <-s.ctx.Done():
	}
}

// commit sends the terminal event of a turn whose checkpoint has been
// written. It is delivered even after ctx ends, as long as the buffer has
// room, so a committed turn never looks cancelled.
func (s *stream) commit(p domain.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	ev := domain.NewEvent(s.seq+1, p, s.now())
	select {
	case s.ch <- ev:
	case <-s.ctx.Done():
		select {
		case s.ch <- ev:
		default:
			return
		}
	}
	s.seq++
	s.done = true
}
