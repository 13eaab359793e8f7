package auth

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/aemholland/e14z/internal/domain"
)

func TestDetect_NotRequired(t *testing.T) {
	for _, m := range []string{"", "none", "  NONE ", "no-auth"} {
		req := Detect(m)
		if req.Required {
			t.Errorf("Detect(%q).Required = true, want false", m)
		}
		if req.Method != domain.AuthNone {
			t.Errorf("Detect(%q).Method = %q, want none", m, req.Method)
		}
	}
}

func TestDetect_Required(t *testing.T) {
	tests := []struct {
		method string
		want   domain.AuthMethod
	}{
		{"api_key", domain.AuthAPIKey},
		{"API-Key", domain.AuthAPIKey},
		{"private_app_token", domain.AuthAPIKey},
		{"oauth", domain.AuthOAuth},
		{"oauth2", domain.AuthOAuth},
		{"credentials", domain.AuthCredentials},
		{"connection_string", domain.AuthCredentials},
		{"custom", domain.AuthCustom},
		{"hmac-signature", domain.AuthCustom},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			req := Detect(tt.method)
			if !req.Required {
				t.Fatalf("Detect(%q).Required = false", tt.method)
			}
			if req.Method != tt.want {
				t.Errorf("Method = %q, want %q", req.Method, tt.want)
			}
			if len(req.Instructions) == 0 {
				t.Error("Instructions must be non-empty")
			}
			for _, ins := range req.Instructions {
				if strings.TrimSpace(ins) == "" {
					t.Error("blank instruction")
				}
			}
		})
	}
}

func TestDetectFor_MentionsRequiredEnv(t *testing.T) {
	req := DetectFor("api_key", []string{"GITHUB_TOKEN"})
	if !strings.Contains(strings.Join(req.Instructions, " "), "GITHUB_TOKEN") {
		t.Errorf("instructions should mention GITHUB_TOKEN: %v", req.Instructions)
	}
	if !slices.Equal(req.RequiredEnv, []string{"GITHUB_TOKEN"}) {
		t.Errorf("RequiredEnv = %v", req.RequiredEnv)
	}
}

func TestDetect_Deterministic(t *testing.T) {
	a := DetectFor("credentials", []string{"DB_URL"})
	b := DetectFor("credentials", []string{"DB_URL"})
	if !slices.Equal(a.Instructions, b.Instructions) || a.Method != b.Method {
		t.Error("Detect must be deterministic")
	}
}

type fakeStore struct{ authed bool }

func (f fakeStore) IsAuthenticated(context.Context) bool { return f.authed }
func (f fakeStore) AuthHeaders(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func TestSatisfied(t *testing.T) {
	ctx := context.Background()

	if !Satisfied(ctx, Detect("none"), nil, nil) {
		t.Error("not-required auth is always satisfied")
	}
	if Satisfied(ctx, Detect("api_key"), nil, nil) {
		t.Error("api_key without declared env cannot be auto-satisfied")
	}

	req := DetectFor("api_key", []string{"E14Z_TEST_SATISFIED_KEY"})
	if Satisfied(ctx, req, nil, nil) {
		t.Error("missing env should not satisfy")
	}
	if !Satisfied(ctx, req, map[string]string{"E14Z_TEST_SATISFIED_KEY": "x"}, nil) {
		t.Error("supplied env should satisfy")
	}
	t.Setenv("E14Z_TEST_SATISFIED_KEY", "y")
	if !Satisfied(ctx, req, nil, nil) {
		t.Error("process env should satisfy")
	}

	if !Satisfied(ctx, Detect("oauth"), nil, fakeStore{authed: true}) {
		t.Error("authenticated store should satisfy oauth")
	}
	if Satisfied(ctx, Detect("oauth"), nil, fakeStore{}) {
		t.Error("unauthenticated store should not satisfy oauth")
	}
}

func TestEnvCredentialStore(t *testing.T) {
	ctx := context.Background()
	store := NewEnvCredentialStore("E14Z_TEST_REGISTRY_TOKEN")

	if store.IsAuthenticated(ctx) {
		t.Fatal("store should not be authenticated without the variable")
	}
	if _, err := store.AuthHeaders(ctx); err == nil {
		t.Error("expected error when variable is unset")
	}

	t.Setenv("E14Z_TEST_REGISTRY_TOKEN", "tok")
	if !store.IsAuthenticated(ctx) {
		t.Fatal("store should be authenticated")
	}
	h, err := store.AuthHeaders(ctx)
	if err != nil {
		t.Fatalf("AuthHeaders: %v", err)
	}
	if h["Authorization"] != "Bearer tok" {
		t.Errorf("headers = %v", h)
	}

	if h, err := (Anonymous{}).AuthHeaders(ctx); err != nil || len(h) != 0 {
		t.Errorf("Anonymous headers = %v, %v", h, err)
	}
}

func TestExtractEnvHints(t *testing.T) {
	stderr := `Error: Missing required environment variable: GITHUB_PERSONAL_ACCESS_TOKEN
warning: please set SLACK_BOT_TOKEN
LOG_LEVEL not found, using default
OPENAI_API_KEY is not set
missing GITHUB_PERSONAL_ACCESS_TOKEN`

	got := ExtractEnvHints(stderr)
	want := []string{"GITHUB_PERSONAL_ACCESS_TOKEN", "SLACK_BOT_TOKEN", "OPENAI_API_KEY"}
	if !slices.Equal(got, want) {
		t.Errorf("ExtractEnvHints = %v, want %v", got, want)
	}

	if hints := ExtractEnvHints("all good"); len(hints) != 0 {
		t.Errorf("unexpected hints %v", hints)
	}
}

func TestNewToolCredentialStore(t *testing.T) {
	t.Setenv("E14Z_API_KEY", "registry-token")
	t.Setenv("E14Z_AUTH_TEST_OAUTH", "tool-token")

	tests := []struct {
		name     string
		variable string
		want     bool
	}{
		{"unset", "", false},
		{"registry key refused", "E14Z_API_KEY", false},
		{"dedicated variable", "E14Z_AUTH_TEST_OAUTH", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewToolCredentialStore(tt.variable, "E14Z_API_KEY")
			if got := store.IsAuthenticated(context.Background()); got != tt.want {
				t.Errorf("IsAuthenticated = %v, want %v", got, tt.want)
			}
		})
	}
}
