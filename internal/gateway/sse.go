package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ibbo/rowan/internal/domain"
)

type turnRequest struct {
	Message string `json:"message"`
}

// handleTurnSSE runs a turn on the thread named in the path and streams its
// events as Server-Sent Events: "id" is the event seq and "event" its kind.
// Validation failures are reported as JSON before the stream starts.
func (s *Server) handleTurnSSE(w http.ResponseWriter, r *http.Request) {
	if res := authorizeHTTP(s.auth, r); !res.OK {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", res.Reason)
		return
	}

	var body turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayload)).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_params", "body must be JSON with a message field")
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.log.Debug().Err(err).Msg("clearing write deadline")
	}

	started := false
	send := func(ev domain.Event) error {
		if !started {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	_, err := s.streamTurn(r.Context(), r.PathValue("id"), body.Message, w.Header().Get("X-Request-ID"), send)
	if err != nil {
		status := http.StatusInternalServerError
		if isInvalidTurn(err) {
			status = http.StatusBadRequest
		}
		writeJSONError(w, status, "invalid_params", err.Error())
	}
}
