// Package server exposes the analytics read side over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/analytics"
	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/model"
)

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wraps the router and its dependencies.
type Server struct {
	Router chi.Router

	cfg      config.ServerConfig
	svc      *analytics.Service
	health   Pinger
	gatherer prometheus.Gatherer
	now      func() time.Time
}

// New creates a server with middleware and routes configured. gatherer backs
// /metrics; nil uses the default registry.
func New(cfg config.ServerConfig, svc *analytics.Service, health Pinger, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		health:   health,
		gatherer: gatherer,
		now:      func() time.Time { return time.Now().UTC() },
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(observe)

	s.Router = r
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.Router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	zap.L().Info("starting server", zap.Int("port", s.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) routes() {
	s.Router.Get("/health", s.handleHealth)
	s.Router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.Router.Route("/v1", func(r chi.Router) {
		r.Get("/entities/{kind}/{id}/analytics", s.handleEntityAnalytics)
		r.Get("/listers/{type}/{id}/leads", s.handleLatestLeads)
		r.Get("/listers/{type}/{id}/lead-trends", s.handleLeadTrends)
	})
}

// observe records request latency by route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEntityAnalytics(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseEntityKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, eris.Wrap(analytics.ErrInvalid, err.Error()))
		return
	}
	rng, err := analytics.ParseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"), s.now())
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := s.svc.GetEntityAnalytics(r.Context(), model.EntityRef{Kind: kind, ID: chi.URLParam(r, "id")}, rng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLatestLeads(w http.ResponseWriter, r *http.Request) {
	listerType, err := parseListerType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, eris.Wrapf(analytics.ErrInvalid, "limit %q", v))
			return
		}
	}

	leads, err := s.svc.GetLatestLeads(r.Context(), chi.URLParam(r, "id"), listerType, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": leads})
}

func (s *Server) handleLeadTrends(w http.ResponseWriter, r *http.Request) {
	listerType, err := parseListerType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, err)
		return
	}
	rng, err := analytics.ParseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"), s.now())
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := s.svc.GetLeadTrends(r.Context(), chi.URLParam(r, "id"), listerType, rng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseListerType(s string) (model.ListerType, error) {
	t, ok := model.ParseListerType(s)
	if !ok {
		return "", eris.Wrapf(analytics.ErrInvalid, "lister type %q", s)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, analytics.ErrInvalid) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	zap.L().Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
