package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Mode:          s.config.Mode,
	}
	if s.stats != nil {
		depth, pending := s.stats.QueueDepth(), s.stats.Pending()
		resp.QueueDepth = &depth
		resp.PendingCommands = &pending
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGreet handles GET /greet/{name}.
func (s *Server) handleGreet(w http.ResponseWriter, r *http.Request) {
	respondText(w, http.StatusOK, "Hello, "+chi.URLParam(r, "name"))
}

// handleCommand handles POST /command. The command runs asynchronously;
// its output arrives through /messages.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Cmd == nil {
		s.writeError(w, http.StatusBadRequest, "missing required field: cmd")
		return
	}

	id := s.relay.Submit(*req.Cmd)
	if id == "" {
		s.writeError(w, http.StatusServiceUnavailable, "relay is not accepting commands")
		return
	}
	respondJSON(w, http.StatusAccepted, CommandResponse{Status: "accepted", CommandID: id})
}

// handleMessages handles GET /messages.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.relay.DrainAll()
	if msgs == nil {
		msgs = []string{}
	}
	respondJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

// handleNextMessage handles GET /messages/next?timeout=<duration>. It holds
// the request until a message is available, answering 204 on timeout.
func (s *Server) handleNextMessage(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"), s.config.DrainTimeout)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	msg, err := s.relay.DrainOne(ctx)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, MessageResponse{Message: msg})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.WriteHeader(http.StatusNoContent)
	default:
		s.logger.Warn("drain failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// handleStatus handles GET /status: it runs the host's status command and
// returns everything queued once it has been handled, as plain text.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	select {
	case s.syncSemaphore <- struct{}{}:
		defer func() { <-s.syncSemaphore }()
	default:
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent status requests")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.StatusTimeout)
	defer cancel()

	id, err := s.relay.Run(ctx, "status")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("status command timed out", "command_id", id)
			s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for status")
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondText(w, http.StatusOK, strings.Join(s.relay.DrainAll(), "\n"))
}

// parseTimeout reads a Go duration, defaulting to and capped by limit.
func parseTimeout(v string, limit time.Duration) (time.Duration, error) {
	if v == "" {
		return limit, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return min(d, limit), nil
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func respondText(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(body))
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
