// Package api exposes the operator HTTP surface: health, metrics, scheduler
// control and the monitoring views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"market-data-collector/internal/export"
	"market-data-collector/internal/health"
	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
	"market-data-collector/internal/monitoring"
	"market-data-collector/internal/scheduler"
	"market-data-collector/internal/telemetry"
)

// AlertFeed reads back alerts published to an external channel.
type AlertFeed interface {
	Recent(ctx context.Context, n int64) ([]models.Alert, error)
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	scheduler  *scheduler.Scheduler
	monitoring *monitoring.Service
	exporter   *export.Exporter
	feed       AlertFeed
	log        logger.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithAlertFeed serves GET /alerts/recent from f.
func WithAlertFeed(f AlertFeed) Option {
	return func(s *Server) { s.feed = f }
}

// New constructs the API server. exporter may be nil, which disables POST /monitoring/export.
func New(s *scheduler.Scheduler, m *monitoring.Service, e *export.Exporter, log logger.Logger, opts ...Option) *Server {
	srv := &Server{
		scheduler:  s,
		monitoring: m,
		exporter:   e,
		log:        log,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/status", s.handleStatus)
	r.Post("/jobs/{id}/run", s.handleRun)
	r.Post("/jobs/{id}/enable", s.handleEnable)
	r.Post("/jobs/{id}/disable", s.handleDisable)

	r.Route("/monitoring", func(r chi.Router) {
		r.Get("/", s.handleMonitoring)
		r.Get("/export", s.handleSnapshot)
		r.Post("/export", s.handleExport)
		r.Post("/cleanup", s.handleCleanup)
		r.Get("/samples", s.handleSamples)
		r.Get("/history/{collector}", s.handleHistory)
		r.Post("/collectors/{collector}/reset", s.handleResetMetrics)
	})

	r.Get("/alerts", s.handleAlerts)
	r.Get("/alerts/recent", s.handleRecentAlerts)
	r.Post("/alerts/suppress", s.handleSuppress)
	r.Delete("/alerts/suppress", s.handleUnsuppress)
	r.Post("/alerts/{id}/ack", s.handleAck)
	r.Post("/alerts/{id}/resolve", s.handleResolve)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	code := http.StatusOK
	status := "ok"
	if st := s.scheduler.State(); st == scheduler.StateError {
		code = http.StatusServiceUnavailable
		status = string(st)
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.GetStatus())
}

type runResponse struct {
	Result models.CollectionResult `json:"result"`
	Error  string                  `json:"error,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.scheduler.ExecuteNow(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrStopping):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, scheduler.ErrCollectorFailure):
		writeJSON(w, http.StatusBadGateway, runResponse{Result: res, Error: err.Error()})
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, runResponse{Result: res})
	}
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.scheduler.Enable, "enabled")
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.scheduler.Disable, "disabled")
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, fn func(string) error, state string) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("job toggled via api", logger.String("job_id", id), logger.String("state", state))
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": state})
}

func (s *Server) handleMonitoring(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitoring.GetMonitoringStatus())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitoring.ExportMonitoringData())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		http.Error(w, "export not configured", http.StatusServiceUnavailable)
		return
	}
	loc, err := s.exporter.Export(r.Context(), s.monitoring.ExportMonitoringData())
	if err != nil {
		s.log.Error("export failed", logger.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"location": loc})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "days must be a non-negative integer", http.StatusBadRequest)
			return
		}
		days = n
	}
	writeJSON(w, http.StatusOK, s.monitoring.CleanupMonitoringData(r.Context(), days))
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ct, metric := q.Get("collector"), q.Get("metric")
	if ct == "" || metric == "" {
		http.Error(w, "collector and metric are required", http.StatusBadRequest)
		return
	}
	var since time.Time
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "window must be a positive duration", http.StatusBadRequest)
			return
		}
		since = time.Now().Add(-d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": s.monitoring.GetSamples(ct, metric, since)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.monitoring.History(r.Context(), chi.URLParam(r, "collector"), limit)
	if err != nil {
		s.log.Error("read history failed", logger.Error(err))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	ct := chi.URLParam(r, "collector")
	s.monitoring.ResetMetrics(ct)
	writeJSON(w, http.StatusOK, map[string]string{"collector": ct, "status": "reset"})
}

func suppressTarget(r *http.Request) (string, models.HealthState, error) {
	q := r.URL.Query()
	ct := q.Get("collector")
	if ct == "" {
		return "", "", errors.New("collector is required")
	}
	st, ok := models.ParseHealthState(q.Get("status"))
	if !ok {
		return "", "", errors.New("status must be a health state")
	}
	return ct, st, nil
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	ct, st, err := suppressTarget(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := time.ParseDuration(r.URL.Query().Get("for"))
	if err != nil || d <= 0 {
		http.Error(w, "for must be a positive duration", http.StatusBadRequest)
		return
	}
	until := time.Now().UTC().Add(d)
	s.monitoring.SuppressAlerts(ct, st, until)
	writeJSON(w, http.StatusOK, map[string]any{"collector": ct, "status": st, "until": until})
}

func (s *Server) handleUnsuppress(w http.ResponseWriter, r *http.Request) {
	ct, st, err := suppressTarget(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.monitoring.UnsuppressAlerts(ct, st)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "alert feed not configured", http.StatusServiceUnavailable)
		return
	}
	var n int64 = 20
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	alerts, err := s.feed.Recent(r.Context(), n)
	if err != nil {
		s.log.Error("read alert feed failed", logger.Error(err))
		http.Error(w, "alert feed unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := health.AlertFilter{CollectorType: q.Get("collector")}
	if v := q.Get("level"); v != "" {
		lvl, ok := models.ParseAlertLevel(v)
		if !ok {
			http.Error(w, "unknown alert level", http.StatusBadRequest)
			return
		}
		f.Level = lvl
	}
	if v := q.Get("unresolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "unresolved must be a boolean", http.StatusBadRequest)
			return
		}
		f.UnresolvedOnly = b
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.monitoring.GetAlerts(f)})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.monitoring.AcknowledgeAlert(r.Context(), id) {
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alert_id": id, "status": "acknowledged"})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.monitoring.ResolveAlert(r.Context(), id) {
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alert_id": id, "status": "resolved"})
}

// HTTPServer wraps the router with the timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
