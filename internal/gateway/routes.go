package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ibbo/rowan/internal/agent"
	"github.com/ibbo/rowan/internal/domain"
	"github.com/ibbo/rowan/internal/hooks"
	"github.com/ibbo/rowan/internal/metrics"
)

// Turn outcomes reported in TurnSummary and hooks.
const (
	OutcomeAnswered  = "answered"
	OutcomeRejected  = "rejected"
	OutcomeErrored   = "errored"
	OutcomeCancelled = "cancelled"
)

func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /v1/threads/{id}/turns", s.handleTurnSSE)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("/", handleNotFound)
}

func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("chat.send", s.rpcChatSend)
	s.Handle("chat.cancel", s.rpcChatCancel)
	s.Handle("threads.get", s.rpcThreadsGet)
}

func (s *Server) rpcHealth(rc *RequestContext) {
	rc.Respond(HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Clients:  s.clients.Count(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	})
}

// rpcChatSend runs a turn, sending each event as a turn.<kind> frame, then
// responds with a TurnSummary. A cancelled turn gets a "cancelled" error
// response instead.
func (s *Server) rpcChatSend(rc *RequestContext) {
	var p ChatSendParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(p.Message) == "" {
		rc.RespondError("invalid_params", "message is required")
		return
	}
	if p.ThreadID == "" {
		p.ThreadID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(rc.Ctx)
	defer cancel()
	if !rc.Client.trackTurn(rc.Frame.ID, cancel) {
		rc.RespondError("invalid_params", "request id already in use: "+rc.Frame.ID)
		return
	}
	defer rc.Client.untrackTurn(rc.Frame.ID)

	sum, err := s.streamTurn(ctx, p.ThreadID, p.Message, rc.Frame.ID, func(ev domain.Event) error {
		f, err := NewTurnEvent(ev)
		if err != nil {
			return err
		}
		return rc.Client.Send(f)
	})
	switch {
	case err != nil:
		rc.RespondError("invalid_params", err.Error())
	case sum.Outcome == OutcomeCancelled:
		rc.RespondError("cancelled", "turn cancelled")
	default:
		rc.Respond(sum)
	}
}

func (s *Server) rpcChatCancel(rc *RequestContext) {
	var p ChatCancelParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.RequestID == "" {
		rc.RespondError("invalid_params", "requestId is required")
		return
	}
	if !rc.Client.cancelTurn(p.RequestID) {
		rc.RespondError("not_found", "no running turn for request "+p.RequestID)
		return
	}
	rc.Respond(map[string]any{"requestId": p.RequestID, "cancelled": true})
}

func (s *Server) rpcThreadsGet(rc *RequestContext) {
	var p ThreadsGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.ThreadID == "" {
		rc.RespondError("invalid_params", "threadId is required")
		return
	}
	cp, err := s.threads.Load(rc.Ctx, p.ThreadID)
	if err != nil {
		rc.RespondError(string(domain.CodeCheckpointFailed), err.Error())
		return
	}
	rc.Respond(cp)
}

// streamTurn runs one turn and hands every event to send. If send fails
// the turn is cancelled and its remaining events are drained. The only
// error returned is the orchestrator's synchronous validation error.
func (s *Server) streamTurn(ctx context.Context, threadID, text, requestID string, send func(domain.Event) error) (TurnSummary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	ch, err := s.turns.RunTurn(ctx, threadID, text)
	if err != nil {
		return TurnSummary{}, err
	}
	s.hooks.Emit(ctx, hooks.Payload{Event: hooks.EventTurnStart, ThreadID: threadID, RequestID: requestID})

	sum := TurnSummary{ThreadID: threadID, Outcome: OutcomeCancelled}
	sendFailed := false
	for ev := range ch {
		sum.Events++
		switch p := ev.Payload.(type) {
		case domain.Final:
			sum.Outcome, sum.Content = OutcomeAnswered, p.Content
			if p.Rejected {
				sum.Outcome = OutcomeRejected
			}
		case domain.ErrorPayload:
			sum.Outcome, sum.Code, sum.Content = OutcomeErrored, p.Code, p.Message
		}
		if sendFailed {
			continue
		}
		if err := send(ev); err != nil {
			s.log.Debug().Err(err).Str("thread", threadID).Msg("event delivery failed, cancelling turn")
			sendFailed = true
			cancel()
		}
	}
	if sendFailed {
		sum.Outcome = OutcomeCancelled
	}

	s.hooks.EmitAsync(context.WithoutCancel(ctx), hooks.Payload{
		Event:     hooks.EventTurnEnd,
		ThreadID:  threadID,
		RequestID: requestID,
		Outcome:   sum.Outcome,
		Code:      string(sum.Code),
		Duration:  time.Since(start),
	})
	return sum, nil
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	if res := authorizeHTTP(s.auth, r); !res.OK {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", res.Reason)
		return
	}
	cp, err := s.threads.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, string(domain.CodeCheckpointFailed), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func isInvalidTurn(err error) bool {
	return errors.Is(err, agent.ErrInvalidTurn)
}
