package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/asheshgoplani/pane-supervisor/internal/metrics"
	"github.com/asheshgoplani/pane-supervisor/internal/pane"
)

// signalRequest is the ingest body for POST /api/signal.
type signalRequest struct {
	Source     string         `json:"source"`
	PaneID     string         `json:"pane_id"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Generation int            `json:"generation,omitempty"`
	Timestamp  int64          `json:"ts,omitempty"`
}

var outcomeNames = map[pane.EnqueueOutcome]string{
	pane.EnqueueAdmitted: "admitted",
	pane.EnqueueMerged:   "merged",
	pane.EnqueueShed:     "shed",
	pane.EnqueueStale:    "stale",
	pane.EnqueueRejected: "rejected",
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if !s.limiter.Allow() {
		metrics.Inc("web.ingest_throttled", nil)
		writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many signals")
		return
	}

	var req signalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed signal body")
		return
	}
	if req.Source == "" || req.PaneID == "" || req.EventType == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "source, pane_id and event_type are required")
		return
	}

	sig := pane.Signal{
		Source:     req.Source,
		PaneID:     req.PaneID,
		EventType:  req.EventType,
		Payload:    req.Payload,
		Generation: req.Generation,
	}
	if req.Timestamp > 0 {
		sig.Timestamp = time.Unix(req.Timestamp, 0)
	}

	outcome := s.sup.Enqueue(req.PaneID, sig)
	metrics.Inc("web.ingest_signals", nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"outcome": outcomeNames[outcome]})
}

func (s *Server) handlePanes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"panes": s.sup.Summaries()})
}

// handlePaneByID serves /api/pane/{id} (debug snapshot) and the pane verbs
// /api/pane/{id}/ack, /api/pane/{id}/bump, /api/pane/{id}/forget.
func (s *Server) handlePaneByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/pane/")
	paneID, verb, _ := strings.Cut(rest, "/")
	if paneID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "pane id is required")
		return
	}

	switch verb {
	case "":
		if r.Method != http.MethodGet {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		debug, ok := s.sup.Debug(paneID)
		if !ok {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "pane not found")
			return
		}
		writeJSON(w, http.StatusOK, debug)

	case "ack":
		if !s.requirePost(w, r) {
			return
		}
		// A dashboard click acknowledges the pane's attention state.
		sig := pane.NewSignal(pane.SourceFrontend, paneID, "click_pane", nil)
		outcome := s.sup.Enqueue(paneID, sig)
		writeJSON(w, http.StatusAccepted, map[string]string{"outcome": outcomeNames[outcome]})

	case "bump":
		if !s.requirePost(w, r) {
			return
		}
		gen := s.sup.BumpGeneration(paneID)
		webLog.Info("generation bumped", slog.String("pane", paneID), slog.Int("generation", gen))
		writeJSON(w, http.StatusOK, map[string]any{"generation": gen})

	case "forget":
		if !s.requirePost(w, r) {
			return
		}
		if !s.sup.Forget(paneID) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "pane not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"forgotten": true})

	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown pane operation")
	}
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return false
	}
	if !s.authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return false
	}
	return true
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	counters, gauges := metrics.Default().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": counters,
		"gauges":   gauges,
	})
}
