package backend

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/aemholland/e14z/internal/domain"
)

// VersionSatisfies reports whether installed meets requested. An empty or
// "latest" request accepts any installed version. Semver constraints
// ("1.2.3", "^1.2", "~0.3") are checked with semver; anything else falls
// back to string equality ignoring a leading "v".
func VersionSatisfies(requested, installed string) bool {
	if installed == "" {
		return false
	}
	if requested == "" || requested == domain.LatestVersion {
		return true
	}
	if c, err := semver.NewConstraint(requested); err == nil {
		if v, err := semver.NewVersion(installed); err == nil {
			return c.Check(v)
		}
	}
	return strings.TrimPrefix(requested, "v") == strings.TrimPrefix(installed, "v")
}

// validateVersion accepts version strings and tags built from a safe charset.
func validateVersion(backend, raw, v string) error {
	if v == "" {
		return &DirectiveParseError{Backend: backend, Command: raw, Reason: "empty version qualifier"}
	}
	if len(v) > 128 || strings.Contains(v, "..") {
		return &DirectiveParseError{Backend: backend, Command: raw, Reason: fmt.Sprintf("invalid version %q", v)}
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte(".-_+~^*=:", c) >= 0:
		default:
			return &DirectiveParseError{Backend: backend, Command: raw, Reason: fmt.Sprintf("invalid version %q", v)}
		}
	}
	return nil
}
