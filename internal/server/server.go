// Package server exposes the webhook HTTP listener that feeds
// pull-request comment events into the event handler.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/softstack/batchbot/pkg/events"
)

// Config holds the listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server serves the webhook endpoint.
type Server struct {
	cfg     Config
	handler *events.Handler
	log     *zap.Logger
	http    *http.Server
}

// New builds the server and its routes.
func New(cfg Config, handler *events.Handler, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, handler: handler, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/events", s.handleEvent)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until ctx is cancelled, then drains connections
// within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("webhook listener started", zap.String("addr", s.cfg.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleEvent accepts one comment event. Events are processed
// synchronously; the response reports only that the event was accepted,
// job progress is observable through PR comments.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.PRNumber <= 0 || ev.Account == "" {
		http.Error(w, "pr_number and account are required", http.StatusBadRequest)
		return
	}

	if err := s.handler.Handle(r.Context(), ev); err != nil {
		s.log.Error("event handling failed",
			zap.String("event_id", ev.ID),
			zap.Int("pr", ev.PRNumber),
			zap.Error(err))
		http.Error(w, "event handling failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"event_id": ev.ID})
}
