// Package auth derives authentication requirements from a tool's declared
// auth method and gates execution on them. Credential storage lives behind
// the two-method CredentialStore contract; this package never reads raw
// credential files.
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aemholland/e14z/internal/domain"
)

// Detect maps a declared auth method to a requirement. "none" and "" are
// not required; any other value is required with non-empty instructions.
// Unknown values are treated as custom.
func Detect(method string) domain.AuthRequirement {
	return DetectFor(method, nil)
}

// DetectFor is Detect with the record's required environment variable names
// folded into the instructions.
func DetectFor(method string, requiredEnv []string) domain.AuthRequirement {
	m := Normalize(method)
	if m == domain.AuthNone {
		return domain.AuthRequirement{Required: false, Method: domain.AuthNone}
	}
	return domain.AuthRequirement{
		Required:     true,
		Method:       m,
		Instructions: instructions(m, method, requiredEnv),
		RequiredEnv:  append([]string(nil), requiredEnv...),
	}
}

// Normalize folds common spellings onto the fixed method set.
func Normalize(method string) domain.AuthMethod {
	m := strings.ToLower(strings.TrimSpace(method))
	m = strings.NewReplacer("-", "_", " ", "_").Replace(m)
	switch m {
	case "", "none", "no_auth", "noauth", "null":
		return domain.AuthNone
	case "api_key", "apikey", "key", "token", "api_token", "bearer", "private_app_token", "pat":
		return domain.AuthAPIKey
	case "oauth", "oauth2", "oauth_2", "oidc":
		return domain.AuthOAuth
	case "credentials", "basic", "username_password", "password", "connection_string":
		return domain.AuthCredentials
	default:
		return domain.AuthCustom
	}
}

func instructions(m domain.AuthMethod, declared string, requiredEnv []string) []string {
	envList := strings.Join(requiredEnv, ", ")
	var out []string

	switch m {
	case domain.AuthAPIKey:
		if envList != "" {
			out = append(out, fmt.Sprintf("Set the API key environment variable(s) %s and retry.", envList))
		} else {
			out = append(out, "Obtain an API key from the tool provider and set the required credential environment variable before running.")
		}
		out = append(out, "Keys are read from the environment only; do not pass them as command arguments.")
	case domain.AuthOAuth:
		out = append(out,
			"Complete the OAuth authorization flow for this tool with your credential manager.",
			"Retry once the credential store reports the tool as authenticated.",
		)
		if envList != "" {
			out = append(out, fmt.Sprintf("The tool reads its token from %s.", envList))
		}
	case domain.AuthCredentials:
		if envList != "" {
			out = append(out, fmt.Sprintf("Set the credential environment variable(s) %s and retry.", envList))
		} else {
			out = append(out, "Provide the username/password or connection string through the tool's credential environment variables before running.")
		}
	default:
		out = append(out, fmt.Sprintf("This tool declares a custom authentication method (%q); follow the provider's setup documentation before running.", strings.TrimSpace(declared)))
		if envList != "" {
			out = append(out, fmt.Sprintf("Required environment variable(s): %s.", envList))
		}
	}
	return out
}

// CredentialStore is the external credential collaborator.
type CredentialStore interface {
	IsAuthenticated(ctx context.Context) bool
	AuthHeaders(ctx context.Context) (map[string]string, error)
}

// Satisfied reports whether a required auth is already met without the
// caller opting out: every RequiredEnv name is present in supplied or in
// the process environment, or, for OAuth, the store is authenticated.
func Satisfied(ctx context.Context, req domain.AuthRequirement, supplied map[string]string, store CredentialStore) bool {
	if !req.Required {
		return true
	}
	if req.Method == domain.AuthOAuth && store != nil && store.IsAuthenticated(ctx) {
		return true
	}
	if len(req.RequiredEnv) == 0 {
		return false
	}
	for _, name := range req.RequiredEnv {
		if supplied[name] != "" {
			continue
		}
		if os.Getenv(name) != "" {
			continue
		}
		return false
	}
	return true
}
