// Package registry looks up tool records by identifier. Records come from
// the remote registry API, local YAML/JSON files, or the local store; the
// engine only ever reads them.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sanitize"
)

// ErrNotFound is returned when no source knows the identifier.
var ErrNotFound = errors.New("tool not found in registry")

// Lookup fetches a tool record by identifier.
type Lookup interface {
	Get(ctx context.Context, identifier string) (*domain.ToolRecord, error)
}

// Chain consults each lookup in order and returns the first record found.
// A source failing with anything other than ErrNotFound does not stop the
// chain; its error is returned only when no later source has the record.
type Chain []Lookup

func (c Chain) Get(ctx context.Context, identifier string) (*domain.ToolRecord, error) {
	var firstErr error
	for _, l := range c {
		if l == nil {
			continue
		}
		rec, err := l.Get(ctx, identifier)
		if err == nil {
			return rec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
}

// Validate checks a record before it is stored or handed to the engine.
// Directive commands themselves are sanitized later by the backend that
// parses them.
func Validate(rec *domain.ToolRecord) error {
	if rec == nil {
		return errors.New("nil tool record")
	}
	if _, err := sanitize.ValidateIdentifier(rec.Identifier); err != nil {
		return fmt.Errorf("record identifier: %w", err)
	}
	for i, d := range rec.InstallDirectives {
		if d.RawCommand == "" {
			return fmt.Errorf("record %s: install_directives[%d].raw_command is required", rec.Identifier, i)
		}
		if d.Kind != "" && !d.Kind.Valid() {
			return fmt.Errorf("record %s: install_directives[%d].kind %q is not supported", rec.Identifier, i, d.Kind)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return fmt.Errorf("record %s: install_directives[%d].confidence must be between 0 and 1", rec.Identifier, i)
		}
	}
	for _, name := range rec.RequiredEnv {
		if err := sanitize.ValidateEnvName(name); err != nil {
			return fmt.Errorf("record %s: required_env: %w", rec.Identifier, err)
		}
	}
	return nil
}
