package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.opts.Registry.List()})
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Limiter == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	stats := s.opts.Limiter.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":        true,
		"allowed":        stats.Allowed,
		"denied":         stats.Denied,
		"active_buckets": stats.ActiveBuckets,
		"denied_scopes":  stats.DeniedScopes,
	})
}

func (s *Server) handleBusLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.opts.Bus.Log()})
}

// handleBusSubscribers lists current bus subscribers, optionally scoped
// to one domain via ?domain=.
func (s *Server) handleBusSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"subscribers": s.opts.Bus.SubscribersInDomain(r.URL.Query().Get("domain")),
	})
}

func (s *Server) handleWaitingGates(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var waiting []string
	prefix := sessionID + ":"
	for _, key := range s.opts.Awaiter.WaitingGates() {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			waiting = append(waiting, key[len(prefix):])
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"waiting":  waiting,
		"buffered": s.opts.GateStore.Pending(sessionID),
	})
}

// handleGateResponse delivers a human response to a waiting gate, or
// buffers it when the pipeline has not reached the gate yet.
func (s *Server) handleGateResponse(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	gateName := chi.URLParam(r, "gate")

	var body struct {
		Response any `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if s.opts.Awaiter.IsWaiting(sessionID, gateName) {
		if err := s.opts.Awaiter.Respond(sessionID, gateName, body.Response); err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"delivered": true})
			return
		}
		// Lost the race with another response or a timeout; fall through
		// to buffering so the answer is not dropped.
	}

	s.opts.GateStore.Buffer(sessionID, gateName, body.Response)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"delivered": false,
		"buffered":  true,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg},
	})
}
