// Package http exposes the query surface plus health and metrics endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peatmoor/basinflow/internal/aggregate"
	"github.com/peatmoor/basinflow/internal/domain"
)

// Querier answers timeseries and upstream-aggregate queries, cached or not.
type Querier interface {
	Timeseries(ctx context.Context, basinID, dataType string, window domain.Window) ([]domain.Point, error)
	AggregateUpstream(ctx context.Context, basinID, dataType string, window domain.Window, depth int, opts aggregate.Options) (domain.AggregateResult, error)
}

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Server exposes query, health, readiness, and metrics HTTP endpoints.
type Server struct {
	httpServer *http.Server
	querier    Querier
	logger     *slog.Logger
}

// NewServer creates an HTTP server with query routes under /v1 plus
// /healthz, /readyz, and /metrics.
func NewServer(addr string, querier Querier, ready ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		querier: querier,
		logger:  logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/basins/{basin}/timeseries", s.handleTimeseries)
	mux.HandleFunc("GET /v1/basins/{basin}/upstream_aggregate", s.handleUpstreamAggregate)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// handleTimeseries serves
// GET /v1/basins/{basin}/timeseries?data_type=Rainfall&window=24h
func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	basinID := r.PathValue("basin")
	dataType := r.URL.Query().Get("data_type")
	if dataType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "data_type query param is required"})
		return
	}
	window, err := parseWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	points, err := s.querier.Timeseries(r.Context(), basinID, dataType, window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if points == nil {
		points = []domain.Point{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"basin_id":  basinID,
		"data_type": dataType,
		"window":    windowJSON(window),
		"data":      points,
	})
}

// handleUpstreamAggregate serves
// GET /v1/basins/{basin}/upstream_aggregate?data_type=Rainfall&window=24h&depth=1&weighted=false
func (s *Server) handleUpstreamAggregate(w http.ResponseWriter, r *http.Request) {
	basinID := r.PathValue("basin")
	q := r.URL.Query()

	dataType := q.Get("data_type")
	if dataType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "data_type query param is required"})
		return
	}
	window, err := parseWindow(q.Get("window"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	depth := 1
	if d := q.Get("depth"); d != "" {
		depth, err = strconv.Atoi(d)
		if err != nil || depth < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid depth"})
			return
		}
	}
	opts := aggregate.Options{Weighted: q.Get("weighted") == "true"}

	result, err := s.querier.AggregateUpstream(r.Context(), basinID, dataType, window, depth, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": err.Error()})
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		return
	}
	s.logger.Error("query failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
}

// parseWindow turns a trailing-hours expression ("24h", or a bare integer of
// hours) into the half-open interval ending now. Empty input means 24h.
//
// The interval end is aligned down to the minute: identical relative-window
// requests arriving within the same minute then resolve to the same interval
// and share one result cache entry, instead of each wall-clock tick minting a
// fresh key that can never hit.
func parseWindow(expr string) (domain.Window, error) {
	if expr == "" {
		expr = "24h"
	}
	hoursStr := strings.TrimSuffix(expr, "h")
	hours, err := strconv.Atoi(hoursStr)
	if err != nil || hours <= 0 {
		return domain.Window{}, fmt.Errorf("invalid window %q", expr)
	}
	end := domain.Now().Truncate(time.Minute)
	return domain.Window{Start: end.Add(-time.Duration(hours) * time.Hour), End: end}, nil
}

func windowJSON(w domain.Window) map[string]string {
	return map[string]string{
		"start": w.Start.UTC().Format(time.RFC3339),
		"end":   w.End.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort health response
}
