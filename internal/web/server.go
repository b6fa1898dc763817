// Package web exposes the supervisor over HTTP: signal ingest, pane
// snapshots, debug introspection, and a WebSocket stream of display changes.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/pane-supervisor/internal/logging"
	"github.com/asheshgoplani/pane-supervisor/internal/pane"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr       string
	Token            string
	IngestRatePerSec int
	IngestBurst      int
}

// Server wraps the HTTP server and the pane update fanout.
type Server struct {
	cfg        Config
	sup        *pane.Supervisor
	httpServer *http.Server
	limiter    *rate.Limiter
	hub        *wsHub
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server with base routes and middleware.
func NewServer(cfg Config, sup *pane.Supervisor) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8430"
	}
	if cfg.IngestRatePerSec <= 0 {
		cfg.IngestRatePerSec = 200
	}
	if cfg.IngestBurst <= 0 {
		cfg.IngestBurst = cfg.IngestRatePerSec * 2
	}

	s := &Server{
		cfg:     cfg,
		sup:     sup,
		limiter: rate.NewLimiter(rate.Limit(cfg.IngestRatePerSec), cfg.IngestBurst),
		hub:     newWSHub(),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/signal", s.handleSignal)
	mux.HandleFunc("/api/panes", s.handlePanes)
	mux.HandleFunc("/api/pane/", s.handlePaneByID)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/ws/panes", s.handlePanesWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Broadcast fans a display update out to every connected WebSocket client.
// Wire this as the supervisor's outward callback.
func (s *Server) Broadcast(update pane.DisplayUpdate) {
	s.hub.broadcast(update)
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, force-closing lingering WebSocket
// connections if the deadline passes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}
	s.hub.closeAll()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"ok":    true,
		"panes": s.sup.PaneCount(),
		"time":  time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
