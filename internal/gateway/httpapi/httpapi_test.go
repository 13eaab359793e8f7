package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aemholland/e14z/internal/engine"
	"github.com/aemholland/e14z/internal/ratelimit"
	"github.com/aemholland/e14z/internal/registry"
	"github.com/aemholland/e14z/internal/sanitize"
)

func engineErr(kind engine.FailureKind, err error) *engine.Error {
	return &engine.Error{Kind: kind, State: engine.StateValidating, Err: err}
}

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		name string
		out  *engine.Outcome
		want int
	}{
		{"done", &engine.Outcome{State: engine.StateDone}, http.StatusOK},
		{"auth required", &engine.Outcome{State: engine.StateAuthRequired}, http.StatusPreconditionRequired},
		{"invalid identifier", &engine.Outcome{
			State: engine.StateFailed,
			Error: engineErr(engine.FailInvalidIdentifier, sanitize.ErrInvalidIdentifier),
		}, http.StatusUnprocessableEntity},
		{"unsafe command", &engine.Outcome{
			State: engine.StateFailed,
			Error: engineErr(engine.FailUnsafeCommand, sanitize.ErrUnsafeCommand),
		}, http.StatusUnprocessableEntity},
		{"unknown tool", &engine.Outcome{
			State: engine.StateFailed,
			Error: engineErr(engine.FailRegistryLookup, fmt.Errorf("%w: nope", registry.ErrNotFound)),
		}, http.StatusNotFound},
		{"registry down", &engine.Outcome{
			State: engine.StateFailed,
			Error: engineErr(engine.FailRegistryLookup, errors.New("connection refused")),
		}, http.StatusBadGateway},
		{"install error", &engine.Outcome{
			State: engine.StateFailed,
			Error: engineErr(engine.FailInstallError, errors.New("npm exited 1")),
		}, http.StatusInternalServerError},
		{"deadline", &engine.Outcome{
			State: engine.StateFailed,
			Error: engineErr(engine.FailCanceled, context.DeadlineExceeded),
		}, http.StatusGatewayTimeout},
		{"failed without error", &engine.Outcome{State: engine.StateFailed}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outcomeStatus(tt.out); got != tt.want {
				t.Errorf("outcomeStatus = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorStatus_WrappedEngineError(t *testing.T) {
	err := fmt.Errorf("check auth: %w", engineErr(engine.FailRegistryLookup, registry.ErrNotFound))
	if got := errorStatus(err); got != http.StatusNotFound {
		t.Errorf("errorStatus = %d, want 404", got)
	}
	if got := errorStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("errorStatus(plain) = %d, want 500", got)
	}
}

func TestExecuteRequest_ToEngineRequest(t *testing.T) {
	body := ExecuteRequest{
		Identifier:     "github-mcp",
		Args:           []string{"--help"},
		Env:            map[string]string{"GITHUB_TOKEN": "x"},
		TimeoutSeconds: 90,
		Stdin:          "ping",
	}
	req, err := body.toEngineRequest()
	if err != nil {
		t.Fatalf("toEngineRequest: %v", err)
	}
	if req.Timeout != 90*time.Second || req.Args[0] != "--help" || req.Env["GITHUB_TOKEN"] != "x" {
		t.Errorf("request = %+v", req)
	}
	data, _ := io.ReadAll(req.Stdin)
	if string(data) != "ping" {
		t.Errorf("stdin = %q", data)
	}

	empty, err := ExecuteRequest{Identifier: "tool"}.toEngineRequest()
	if err != nil || empty.Stdin != nil || empty.Timeout != 0 {
		t.Errorf("minimal request = %+v, %v", empty, err)
	}

	for _, bad := range []ExecuteRequest{
		{},
		{Identifier: "  "},
		{Identifier: "tool", TimeoutSeconds: -1},
		{Identifier: "tool", TimeoutSeconds: maxTimeoutSeconds + 1},
	} {
		if _, err := bad.toEngineRequest(); err == nil {
			t.Errorf("toEngineRequest(%+v) should fail", bad)
		}
	}
}

func TestValidKey(t *testing.T) {
	keys := []string{"alpha", "beta"}
	tests := []struct {
		header string
		want   bool
	}{
		{"Bearer alpha", true},
		{"Bearer beta", true},
		{"Bearer gamma", false},
		{"Bearer ", false},
		{"alpha", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := validKey(keys, tt.header); got != tt.want {
			t.Errorf("validKey(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestNewServer_DefaultsRequestSize(t *testing.T) {
	s := NewServer(Config{}, nil, nil, nil)
	if s.config.MaxRequestSize != defaultMaxRequestSize {
		t.Errorf("MaxRequestSize = %d", s.config.MaxRequestSize)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1})
	var served int
	h := rateLimit(l, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path, auth, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = remote
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("/v1/execute", "", "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}
	rec := do("/v1/execute", "", "10.0.0.1:6000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request from same host = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if rec := do("/v1/execute", "Bearer alpha", "10.0.0.1:7000"); rec.Code != http.StatusOK {
		t.Errorf("token client shares the host bucket: %d", rec.Code)
	}
	if rec := do("/healthz", "", "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Errorf("/healthz should not be limited: %d", rec.Code)
	}
	if served != 3 {
		t.Errorf("served = %d, want 3", served)
	}
}
