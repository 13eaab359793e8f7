package auth

import (
	"context"
	"fmt"
	"os"
)

// EnvCredentialStore reads a bearer token from an environment variable.
type EnvCredentialStore struct {
	Variable string
	Header   string // default "Authorization"
	Scheme   string // default "Bearer"
}

// NewEnvCredentialStore creates a store that reads the token from variable.
func NewEnvCredentialStore(variable string) *EnvCredentialStore {
	return &EnvCredentialStore{Variable: variable}
}

func (s *EnvCredentialStore) IsAuthenticated(_ context.Context) bool {
	return s.Variable != "" && os.Getenv(s.Variable) != ""
}

func (s *EnvCredentialStore) AuthHeaders(_ context.Context) (map[string]string, error) {
	if s.Variable == "" {
		return map[string]string{}, nil
	}
	token := os.Getenv(s.Variable)
	if token == "" {
		return nil, fmt.Errorf("environment variable %q is not set or empty", s.Variable)
	}
	header := s.Header
	if header == "" {
		header = "Authorization"
	}
	scheme := s.Scheme
	if scheme == "" {
		scheme = "Bearer"
	}
	return map[string]string{header: scheme + " " + token}, nil
}

// NewToolCredentialStore returns the store consulted when a tool declares
// OAuth. A registry API key does not authorize a tool's upstream service, so
// a variable equal to registryVariable is refused like an empty one and the
// result is Anonymous.
func NewToolCredentialStore(variable, registryVariable string) CredentialStore {
	if variable == "" || variable == registryVariable {
		return Anonymous{}
	}
	return NewEnvCredentialStore(variable)
}

// Anonymous is a CredentialStore with no credentials.
type Anonymous struct{}

func (Anonymous) IsAuthenticated(context.Context) bool { return false }

func (Anonymous) AuthHeaders(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}
