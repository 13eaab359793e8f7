// Package httpapi serves the execution engine over HTTP.
//
// Security:
//   - Optional bearer key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - Identifiers, arguments and env names are sanitized by the engine
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/aemholland/e14z/internal/engine"
	"github.com/aemholland/e14z/internal/observability"
	"github.com/aemholland/e14z/internal/ratelimit"
	"github.com/aemholland/e14z/internal/registry"
	"github.com/jkaninda/okapi"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	maxTimeoutSeconds     = 3600
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Executor is the subset of the engine the API needs.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (*engine.Outcome, error)
	Resolve(ctx context.Context, req engine.Request) (*engine.Outcome, error)
	Probe(ctx context.Context, req engine.Request) (*engine.Outcome, error)
	CheckAuth(ctx context.Context, identifier string, supplied map[string]string) (*engine.AuthStatus, error)
}

// Config configures the HTTP API.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Empty = /v1 is unauthenticated.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Server is the HTTP API.
type Server struct {
	config  Config
	exec    Executor
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// NewServer creates the HTTP API around exec. rl may be nil for no rate limit.
func NewServer(cfg Config, exec Executor, rl *ratelimit.Limiter, logger *slog.Logger) *Server {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		config:  cfg,
		exec:    exec,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

func (s *Server) withOpenAPIDocs() {
	s.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "e14z",
			Version: "v1",
		},
	)
}

// Start registers the routes, then serves until the server is stopped.
func (s *Server) Start(ctx context.Context) error {
	s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
			next.ServeHTTP(w, r)
		})
	})
	if s.limiter != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return rateLimit(s.limiter, next)
		})
	}
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	v1 := s.okapi.Group("/v1", s.authenticate)

	v1.Post("/execute", s.handleExecute,
		okapi.DocSummary("Resolve, install if needed, and run a registry tool"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(engine.Outcome{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, engine.Outcome{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, engine.Outcome{}),
		okapi.DocResponse(http.StatusPreconditionRequired, engine.Outcome{}),
	)
	v1.Post("/install", s.handleInstall,
		okapi.DocSummary("Resolve and install a registry tool without running it"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(engine.Outcome{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, engine.Outcome{}),
	)
	v1.Post("/probe", s.handleProbe,
		okapi.DocSummary("Resolve a tool and perform an MCP stdio handshake"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(engine.Outcome{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, engine.Outcome{}),
	)
	v1.Get("/tools/{id}/auth", s.handleAuth,
		okapi.DocSummary("Report a tool's authentication requirement"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("id", "string", "Tool identifier"),
		okapi.DocResponse(engine.AuthStatus{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.withOpenAPIDocs()
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Runs may take up to maxTimeoutSeconds.
		WriteTimeout: (maxTimeoutSeconds + 30) * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api starting",
		slog.String("addr", s.config.ListenAddr),
		slog.Bool("authenticated", len(s.config.APIKeys) > 0),
		slog.Bool("rate_limited", s.limiter != nil),
	)
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute, /v1/install and /v1/probe.
type ExecuteRequest struct {
	Identifier     string            `json:"identifier"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	SkipAuth       bool              `json:"skip_auth,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // 0 = server default.
	Stdin          string            `json:"stdin,omitempty"`
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

type engineCall func(ctx context.Context, req engine.Request) (*engine.Outcome, error)

func (s *Server) handleExecute(c *okapi.Context) error { return s.dispatch(c, "execute", s.exec.Execute) }

func (s *Server) handleInstall(c *okapi.Context) error { return s.dispatch(c, "install", s.exec.Resolve) }

func (s *Server) handleProbe(c *okapi.Context) error { return s.dispatch(c, "probe", s.exec.Probe) }

func (s *Server) dispatch(c *okapi.Context, op string, call engineCall) error {
	var body ExecuteRequest
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	req, err := body.toEngineRequest()
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	out, err := call(c.Context(), req)
	if out == nil {
		s.logger.Error("engine returned no outcome", slog.String("op", op), slog.Any("error", err))
		return c.AbortInternalServerError("execution failed")
	}
	status := outcomeStatus(out)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("http request failed",
			slog.String("op", op),
			slog.String("execution_id", out.ID.String()),
			slog.String("identifier", out.Identifier),
			slog.Int("status", status),
		)
	}
	return c.JSON(status, out)
}

func (s *Server) handleAuth(c *okapi.Context) error {
	status, err := s.exec.CheckAuth(c.Context(), c.Param("id"), nil)
	if err != nil {
		code := errorStatus(err)
		if code >= http.StatusInternalServerError {
			s.logger.Warn("auth check failed", slog.String("identifier", c.Param("id")), slog.Any("error", err))
		}
		return c.JSON(code, ErrorBody{Error: err.Error()})
	}
	return c.OK(status)
}

// handleLiveness is the Kubernetes liveness probe
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness returns 503 only when a critical dependency is down; a
// degraded status (e.g. a missing toolchain) is still ready.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status == observability.StatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// authenticate checks the bearer key when keys are configured.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(s.config.APIKeys) == 0 {
			return next(c)
		}
		if !validKey(s.config.APIKeys, c.Header("Authorization")) {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		return next(c)
	}
}

// --- Helpers ---

// rateLimit throttles /v1 per client. Clients are told apart by bearer
// token, or by remote host when they send none.
func rateLimit(l *ratelimit.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		key := clientKey(r)
		if err := l.Allow(key); err != nil {
			secs := int(math.Ceil(l.RetryAfter(key).Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return "token:" + token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func validKey(keys []string, header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare([]byte(token), []byte(k))
	}
	return match == 1
}

func (r ExecuteRequest) toEngineRequest() (engine.Request, error) {
	if strings.TrimSpace(r.Identifier) == "" {
		return engine.Request{}, errors.New("identifier is required")
	}
	if r.TimeoutSeconds < 0 || r.TimeoutSeconds > maxTimeoutSeconds {
		return engine.Request{}, errors.New("timeout_seconds must be between 0 and 3600")
	}
	req := engine.Request{
		Identifier: r.Identifier,
		Args:       r.Args,
		Env:        r.Env,
		SkipAuth:   r.SkipAuth,
		Timeout:    time.Duration(r.TimeoutSeconds) * time.Second,
	}
	if r.Stdin != "" {
		req.Stdin = strings.NewReader(r.Stdin)
	}
	return req, nil
}

// outcomeStatus maps a terminal outcome to an HTTP status. A tool that ran
// and exited non-zero is still a 200; the exit code is in the body.
func outcomeStatus(out *engine.Outcome) int {
	switch out.State {
	case engine.StateDone:
		return http.StatusOK
	case engine.StateAuthRequired:
		return http.StatusPreconditionRequired
	}
	if out.Error == nil {
		return http.StatusInternalServerError
	}
	return errorStatus(out.Error)
}

func errorStatus(err error) int {
	switch engine.KindOf(err) {
	case engine.FailInvalidIdentifier, engine.FailUnsafeCommand, engine.FailUnsupportedInstallMethod:
		return http.StatusUnprocessableEntity
	case engine.FailRegistryLookup:
		if errors.Is(err, registry.ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case engine.FailProbeError:
		return http.StatusBadGateway
	case engine.FailCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
