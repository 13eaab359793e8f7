// Package secrets resolves credential references such as "env://GITHUB_PAT"
// or "vault://secret/data/github#token" into values injected into a tool's
// environment. Resolved values are never logged and never appear in
// engine outcomes.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Secret holds resolved credential material. It must not be serialized.
type Secret struct {
	Value  string
	Source string // e.g. "env:GITHUB_PAT" or "vault:secret/data/github". Safe to log.
}

// Provider resolves references of one scheme. Implementations must be safe
// for concurrent use.
type Provider interface {
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Scheme is the reference prefix the provider handles, without "://".
	Scheme() string
}

var (
	// ErrSecretNotFound is returned when a reference resolves to nothing.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrUnknownScheme is returned for references no provider handles.
	ErrUnknownScheme = errors.New("unknown secret reference scheme")
)

// splitRef splits "scheme://rest".
func splitRef(ref string) (scheme, rest string, err error) {
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("%w: %q is not a scheme://path reference", ErrUnknownScheme, ref)
	}
	if rest == "" {
		return "", "", fmt.Errorf("%w: empty %s reference", ErrSecretNotFound, scheme)
	}
	return scheme, rest, nil
}

// Router dispatches a reference to the provider registered for its scheme.
type Router struct {
	providers map[string]Provider
}

// NewRouter creates a Router. A later provider replaces an earlier one with
// the same scheme.
func NewRouter(providers ...Provider) *Router {
	r := &Router{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// Scheme returns "" since a Router handles every registered scheme.
func (r *Router) Scheme() string { return "" }

// Supports reports whether ref has a registered scheme.
func (r *Router) Supports(ref string) bool {
	scheme, _, err := splitRef(ref)
	if err != nil {
		return false
	}
	_, ok := r.providers[scheme]
	return ok
}

func (r *Router) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme, _, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	p, ok := r.providers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	return p.Resolve(ctx, ref)
}
