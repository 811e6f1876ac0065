// Package transport provides the HTTP API: REST handlers, a JSON-RPC 2.0
// service and a WebSocket live event stream.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/evmsim/internal/environment"
	"github.com/gateway-fm/evmsim/pkg/types"
)

// DefaultSubmitTimeout bounds how long a submit request waits for its outcome.
const DefaultSubmitTimeout = 30 * time.Second

// maxBodyBytes caps request bodies; init code is the largest payload.
const maxBodyBytes = 4 << 20

// SimulatorAPI is the part of the manager the handlers need.
type SimulatorAPI interface {
	AddEnvironment(label string, params types.EnvironmentParameters) error
	StartEnvironment(label string) error
	PauseEnvironment(label string) error
	StopEnvironment(label string) error
	RemoveEnvironment(label string) error
	Environment(label string) (*environment.Environment, error)
	Status(label string) (types.EnvironmentStatus, error)
	List() []types.EnvironmentStatus
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCORSOrigins sets a comma-separated list of allowed origins, or "*".
func WithCORSOrigins(origins string) Option {
	return func(s *Server) { s.setCORS(origins) }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithSubmitTimeout bounds how long submit waits for execution.
func WithSubmitTimeout(d time.Duration) Option {
	return func(s *Server) { s.submitTimeout = d }
}

// Server handles HTTP requests for the simulator.
type Server struct {
	api           SimulatorAPI
	logger        *slog.Logger
	gatherer      prometheus.Gatherer
	submitTimeout time.Duration
	startTime     time.Time
	wsServer      *WebSocketServer
	draining      atomic.Bool
	dataDir       string

	// CORS configuration
	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server.
func NewServer(api SimulatorAPI, opts ...Option) *Server {
	s := &Server{
		api:           api,
		submitTimeout: DefaultSubmitTimeout,
		startTime:     time.Now(),
		corsAllowAll:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.wsServer = NewWebSocketServer(api, s.logger)
	return s
}

func (s *Server) setCORS(origins string) {
	origins = strings.TrimSpace(origins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
		s.corsAllowedOrigins = nil
		return
	}
	s.corsAllowAll = false
	s.corsAllowedOrigins = strings.Split(origins, ",")
	for i, o := range s.corsAllowedOrigins {
		s.corsAllowedOrigins[i] = strings.TrimSpace(o)
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/environments", s.handleList)
	mux.HandleFunc("POST /v1/environments", s.handleAdd)
	mux.HandleFunc("GET /v1/environments/{label}", s.handleStatus)
	mux.HandleFunc("DELETE /v1/environments/{label}", s.handleRemove)
	mux.HandleFunc("POST /v1/environments/{label}/{action}", s.handleAction)
	mux.HandleFunc("GET /v1/environments/{label}/accounts/{address}", s.handleAccount)
	mux.HandleFunc("GET /v1/environments/{label}/ws", s.wsServer.Handler())

	mux.HandleFunc("GET /v1/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /v1/runs/{id}/transactions/{hash}", s.handleRunTransaction)

	mux.Handle("/rpc", NewRPCHandler(s.api, s.submitTimeout))

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	return s.corsMiddleware(mux)
}

// Shutdown marks the server not ready and closes live streams.
func (s *Server) Shutdown() {
	s.draining.Store(true)
	s.wsServer.Stop()
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleList returns every environment sorted by label.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.api.List())
}

// handleAdd creates an environment in Initialization.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req types.AddEnvironmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := validateLabel(req.Label); err != nil {
		s.writeError(w, err)
		return
	}

	params := types.EnvironmentParameters{BlockRate: req.BlockRate, Seed: req.Seed}
	if err := s.api.AddEnvironment(req.Label, params); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.api.Status(req.Label)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.api.Status(r.PathValue("label"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	if err := s.api.RemoveEnvironment(label); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleAction dispatches the POST sub-resources of an environment.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	switch action := r.PathValue("action"); action {
	case "start", "pause", "stop":
		s.handleLifecycle(w, label, action)
	case "transactions":
		s.handleSubmit(w, r, label)
	case "deal":
		s.handleDeal(w, r, label)
	default:
		s.writeJSONError(w, "Unknown action: "+action, http.StatusNotFound)
	}
}

func (s *Server) handleLifecycle(w http.ResponseWriter, label, action string) {
	var err error
	switch action {
	case "start":
		err = s.api.StartEnvironment(label)
	case "pause":
		err = s.api.PauseEnvironment(label)
	case "stop":
		err = s.api.StopEnvironment(label)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.api.Status(label)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("environment "+action, slog.String("environment", label))
	s.writeJSON(w, http.StatusOK, st)
}

// handleSubmit queues a transaction and waits for its outcome. Reverts are
// reported in the outcome with status 200.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, label string) {
	var req types.SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	tx, err := parseSubmit(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	env, err := s.api.Environment(label)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.submitTimeout)
	defer cancel()
	out, err := env.Execute(ctx, tx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeal(w http.ResponseWriter, r *http.Request, label string) {
	var req types.DealRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, amount, err := parseDeal(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	env, err := s.api.Environment(label)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := env.Deal(r.Context(), addr, amount); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := env.Account(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	env, err := s.api.Environment(r.PathValue("label"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := env.Account(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

// writeError maps err onto a status code and writes it.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", slog.String("error", err.Error()))
	}
	s.writeJSONError(w, err.Error(), status)
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "degraded", "failed"
	Error  string `json:"error,omitempty"`
}

// handleReady handles readiness probes. An environment that stopped on a
// fatal error is reported as degraded; only draining makes the server
// unready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	for _, st := range s.api.List() {
		check := ReadinessCheck{Name: "environment/" + st.Label, Status: "ok"}
		if st.Error != "" {
			check.Status = "degraded"
			check.Error = st.Error
		}
		checks = append(checks, check)
	}

	ready := !s.draining.Load()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"ready":  ready,
		"checks": checks,
	})
}

// validateLabel rejects labels that cannot be used as a path segment.
func validateLabel(label string) error {
	if label == "" {
		return badRequest("label is required")
	}
	if len(label) > 64 {
		return badRequest("label exceeds 64 characters")
	}
	if strings.ContainsAny(label, "/?#% \t\n") {
		return badRequest("label contains reserved characters")
	}
	return nil
}
