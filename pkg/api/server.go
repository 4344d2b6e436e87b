// Package api exposes the search cascade, provider diagnostics, realtime
// subscriptions and metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zoff-tech/bookfinder/pkg/ranking"
	"github.com/zoff-tech/bookfinder/pkg/search"
)

const maxQueryLength = 500

type SearchService interface {
	Search(ctx context.Context, req search.Request) (search.Page, error)
	ProviderDiagnostics() []search.ProviderDiagnostics
}

type Server struct {
	search      SearchService
	realtime    http.Handler
	metrics     http.Handler
	metricsPath string
	logger      *slog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRealtime mounts h (the websocket hub) on /ws.
func WithRealtime(h http.Handler) ServerOption {
	return func(s *Server) {
		s.realtime = h
	}
}

// WithMetrics serves h on path instead of the default registry on /metrics.
func WithMetrics(path string, h http.Handler) ServerOption {
	return func(s *Server) {
		if path != "" {
			s.metricsPath = path
		}
		if h != nil {
			s.metrics = h
		}
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search:      searchService,
		metrics:     promhttp.Handler(),
		metricsPath: "/metrics",
		logger:      slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle(s.metricsPath, s.metrics)
	mux.HandleFunc("/search/providers/health", s.handleProvidersHealth)
	mux.HandleFunc("/search", s.handleSearch)
	if s.realtime != nil {
		mux.Handle("/ws", s.realtime)
	}
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "bookfinder",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != s.metricsPath && p != "/health" && p != "/ws"
		}),
	)
	return recoveryMiddleware(s.logger, metricsMiddleware(traced))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.search.ProviderDiagnostics()})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}
	limit, err := parseInt(q.Get("limit"), 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	start, err := parseInt(q.Get("startIndex"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid startIndex")
		return
	}

	page, err := s.search.Search(r.Context(), search.Request{
		Query:       query,
		StartIndex:  start,
		Limit:       limit,
		OrderBy:     ranking.Order(strings.TrimSpace(q.Get("orderBy"))),
		CoverFilter: search.CoverFilter(strings.TrimSpace(q.Get("coverFilter"))),
	})
	if err != nil {
		switch {
		case errors.Is(err, search.ErrInvalidQuery),
			errors.Is(err, search.ErrInvalidWindow),
			errors.Is(err, search.ErrInvalidOrder),
			errors.Is(err, search.ErrInvalidFilter):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			s.logger.Warn("search request failed", slog.String("query", truncate(query, 80)), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
