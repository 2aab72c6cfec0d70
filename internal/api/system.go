package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ssePingEvery keeps idle event streams alive through proxies.
const ssePingEvery = 25 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := map[string]any{
		"service": "vigia-ingest",
		"status":  "healthy",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		resp["store"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		resp["store"] = "ok"
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Queue().Stats())
}

func (s *Server) handleQueueFailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Queue().FailedJobs())
}

// handleQueueRetry requeues failed jobs; an absent or zero connectorId
// retries everything in the failed ring.
func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectorID int64 `json:"connectorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "malformed retry payload")
		return
	}
	moved := s.manager.Queue().RetryFailed(req.ConnectorID)
	writeJSON(w, http.StatusOK, map[string]int{"requeued": moved})
}

// handleEventStream serves the CloudEvents feed over SSE. A comma-separated
// "types" parameter narrows the subscription; without it the stream carries
// everything.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotImplemented, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var types []string
	if q := r.URL.Query().Get("types"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	sub := s.bus.Subscribe(types...)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ping := time.NewTicker(ssePingEvery)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub:
			if ev == nil {
				return
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				s.log.Warn().Err(err).Str("event_id", ev.ID).Msg("event frame encode failed")
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
