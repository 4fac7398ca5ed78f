// Package api implements the HTTP API server for tiergate.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sprite-ai/tiergate/internal/config"
	"github.com/sprite-ai/tiergate/internal/gate"
	"github.com/sprite-ai/tiergate/internal/metrics"
	"github.com/sprite-ai/tiergate/internal/model"
)

// Runner starts runs for the websocket endpoint. *orchestrator.Orchestrator implements it.
type Runner interface {
	Discover(ctx context.Context) ([]model.Candidate, error)
	Candidates(branches []string) []model.Candidate
	Stream(ctx context.Context, candidates []model.Candidate, dryRun bool, fn func(model.ReportEntry)) *model.RunReport
}

// Options configures a Server. Only Config is required.
type Options struct {
	Addr   string
	Config *config.Config

	// Checks, when set, lets /api/analyze validate the submitted diff.
	Checks gate.Runner
	// Runner, when set, enables runs over the websocket.
	Runner Runner
	// Gatherer, when set, is exposed on /metrics.
	Gatherer prometheus.Gatherer
	// OnReport receives every finished websocket run.
	OnReport func(*model.RunReport)

	Logger *slog.Logger
}

// Server is the tiergate HTTP API server.
type Server struct {
	addr    string
	mux     *http.ServeMux
	server  *http.Server
	cfg     *config.Config
	matcher *metrics.Matcher
	checks  gate.Runner
	runner  Runner
	gather  prometheus.Gatherer
	report  func(*model.RunReport)
	logger  *slog.Logger

	// runMu admits one websocket run at a time.
	runMu sync.Mutex
}

// New creates a new API server.
func New(opts Options) *Server {
	s := &Server{
		addr:    opts.Addr,
		cfg:     opts.Config,
		matcher: metrics.NewMatcher(opts.Config.CriticalFiles(), opts.Config.PriorityPatterns()),
		checks:  opts.Checks,
		runner:  opts.Runner,
		gather:  opts.Gatherer,
		report:  opts.OnReport,
		logger:  opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With("component", "api")
	s.mux = http.NewServeMux()
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/classify", s.handleClassify)
	s.mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	s.mux.HandleFunc("POST /api/parse", s.handleParse)
	s.mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	if s.gather != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("API server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Warn("json encode failed", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// readJSON decodes a JSON request body into v.
func readJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
