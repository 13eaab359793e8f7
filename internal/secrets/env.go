package secrets

import (
	"context"
	"fmt"
	"os"

	"github.com/aemholland/e14z/internal/sanitize"
)

// EnvProvider resolves "env://NAME" from the e14z process environment. It
// lets a tool's variable be fed from a differently named one, e.g.
// GITHUB_TOKEN from env://E14Z_GITHUB_PAT.
type EnvProvider struct {
	getenv func(string) string
}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{getenv: os.Getenv} }

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	scheme, name, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	if scheme != p.Scheme() {
		return nil, fmt.Errorf("%w: env provider got %s reference", ErrUnknownScheme, scheme)
	}
	if err := sanitize.ValidateEnvName(name); err != nil {
		return nil, err
	}
	value := p.getenv(name)
	if value == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, name)
	}
	return &Secret{Value: value, Source: "env:" + name}, nil
}
