package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DeafMist/post-relay/internal/publish"
)

type cycleRunner interface {
	Trigger(ctx context.Context) (publish.Report, error)
	Reset(ctx context.Context) (int, error)
}

type healthChecker interface {
	Health(ctx context.Context) error
}

type server struct {
	log      *slog.Logger
	cycles   cycleRunner
	store    healthChecker
	registry *prometheus.Registry
}

type errorResponse struct {
	Error string `json:"error"`
}

type triggerResponse struct {
	Status string         `json:"status"`
	Cycle  publish.Report `json:"cycle"`
}

type resetResponse struct {
	Status  string `json:"status"`
	Records int    `json:"records"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/trigger", s.handleTrigger)
	r.Post("/trigger", s.handleTrigger)
	r.Post("/reset", s.handleReset)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	rep, err := s.cycles.Trigger(r.Context())
	if err != nil {
		s.log.Error("manual cycle failed", slog.Any("err", err), slog.String("cycle_id", rep.CycleID))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{Status: "triggered", Cycle: rep})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	n, err := s.cycles.Reset(r.Context())
	if err != nil {
		s.log.Error("manual reset failed", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{Status: "reset", Records: n})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
