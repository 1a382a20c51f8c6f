// Package gateway exposes the HTTP surface: story and fragment CRUD, the
// NDJSON generation stream, librarian status and streams, and operational
// endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fablekit/fable/internal/agent"
	"github.com/fablekit/fable/internal/librarian"
	"github.com/fablekit/fable/internal/observability"
	"github.com/fablekit/fable/internal/pipeline"
	"github.com/fablekit/fable/internal/store"
	"github.com/fablekit/fable/pkg/models"
)

// Generator runs generation requests. Implemented by pipeline.Pipeline.
type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) (<-chan models.StreamEvent, <-chan *pipeline.Result, error)
	SuggestDirections(ctx context.Context, storyID, model string, count int) ([]pipeline.Direction, error)
}

// Analyzer reports librarian state. Implemented by librarian.Scheduler.
type Analyzer interface {
	Status(storyID string) librarian.Status
	Buffer(storyID string) *librarian.AnalysisBuffer
}

// Config holds the listener settings.
type Config struct {
	Host string
	Port int

	// PluginsDir holds plugin manifest files served by GET /plugins.
	PluginsDir string
}

// Deps are the server's collaborators.
type Deps struct {
	Store     *store.Store
	Generator Generator
	Librarian Analyzer
	Active    *agent.ActiveRegistry
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Config    Config
}

// Server is the HTTP gateway.
type Server struct {
	store     *store.Store
	generator Generator
	librarian Analyzer
	active    *agent.ActiveRegistry
	logger    *observability.Logger
	metrics   *observability.Metrics
	config    Config

	httpServer *http.Server
}

// NewServer creates a gateway server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewTestLogger()
	}
	return &Server{
		store:     deps.Store,
		generator: deps.Generator,
		librarian: deps.Librarian,
		active:    deps.Active,
		logger:    logger.With("component", "gateway"),
		metrics:   deps.Metrics,
		config:    deps.Config,
	}
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /stories", s.handleListStories)
	mux.HandleFunc("POST /stories", s.handleCreateStory)
	mux.HandleFunc("GET /stories/{sid}", s.handleGetStory)
	mux.HandleFunc("PATCH /stories/{sid}", s.handleUpdateStory)
	mux.HandleFunc("DELETE /stories/{sid}", s.handleDeleteStory)

	mux.HandleFunc("GET /stories/{sid}/fragments", s.handleListFragments)
	mux.HandleFunc("POST /stories/{sid}/fragments", s.handleCreateFragment)
	mux.HandleFunc("GET /stories/{sid}/fragments/{fid}", s.handleGetFragment)
	mux.HandleFunc("PATCH /stories/{sid}/fragments/{fid}", s.handleUpdateFragment)
	mux.HandleFunc("DELETE /stories/{sid}/fragments/{fid}", s.handleDeleteFragment)
	mux.HandleFunc("POST /stories/{sid}/fragments/{fid}/archive", s.handleArchiveFragment)
	mux.HandleFunc("POST /stories/{sid}/fragments/{fid}/restore", s.handleRestoreFragment)
	mux.HandleFunc("GET /stories/{sid}/fragments/{fid}/versions", s.handleListVersions)
	mux.HandleFunc("POST /stories/{sid}/fragments/{fid}/revert", s.handleRevertFragment)
	mux.HandleFunc("GET /stories/{sid}/fragments/{fid}/tags", s.handleGetTags)
	mux.HandleFunc("POST /stories/{sid}/fragments/{fid}/tags", s.handleAddTags)

	mux.HandleFunc("GET /stories/{sid}/block-config", s.handleGetBlockConfig)
	mux.HandleFunc("PUT /stories/{sid}/block-config", s.handlePutBlockConfig)

	mux.HandleFunc("POST /stories/{sid}/generate", s.handleGenerate)
	mux.HandleFunc("POST /stories/{sid}/suggest-directions", s.handleSuggestDirections)
	mux.HandleFunc("GET /stories/{sid}/generation-logs", s.handleListGenerationLogs)
	mux.HandleFunc("GET /stories/{sid}/generation-logs/{lid}", s.handleGetGenerationLog)

	mux.HandleFunc("GET /stories/{sid}/librarian/status", s.handleLibrarianStatus)
	mux.HandleFunc("GET /stories/{sid}/librarian/stream", s.handleLibrarianStream)
	mux.HandleFunc("GET /stories/{sid}/librarian/suggestions", s.handleListSuggestions)
	mux.HandleFunc("DELETE /stories/{sid}/librarian/suggestions", s.handleClearSuggestions)

	mux.HandleFunc("GET /stories/{sid}/active-agents", s.handleActiveAgents)
	mux.HandleFunc("GET /plugins", s.handleListPlugins)

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.middleware(mux)
}

// Start begins serving. It returns once the listener is bound; serve errors
// other than graceful shutdown are logged.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(nil, "http server error", "error", err.Error())
		}
	}()

	s.logger.Info(nil, "http server listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response code for metrics and logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// middleware attaches a request id, request logging, and latency metrics.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx := observability.WithRequestID(r.Context(), uuid.NewString())
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The matched route pattern keeps the metric cardinality bounded.
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.HTTPRequestDuration.
				WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).
				Observe(time.Since(started).Seconds())
		}
		s.logger.Debug(ctx, "http request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration_ms", time.Since(started).Milliseconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP statuses with a JSON {"error"} body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err.Error())
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}
	switch agent.KindOf(err) {
	case agent.KindValidation:
		return http.StatusBadRequest
	case agent.KindTimeout:
		return http.StatusGatewayTimeout
	case agent.KindCycle, agent.KindDepthExceeded, agent.KindCallLimit, agent.KindNotAllowed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// decodeBody parses a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	return nil
}
