// Package sanitize validates and tokenizes externally sourced strings before
// any other component uses them. Every function here is pure.
package sanitize

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrInvalidIdentifier is returned for identifiers outside the allowed charset
	// or containing traversal sequences.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrUnsafeCommand is returned when a command string contains shell
	// metacharacters or cannot be tokenized.
	ErrUnsafeCommand = errors.New("unsafe command")
)

// MaxIdentifierLength bounds identifiers and package names.
const MaxIdentifierLength = 256

// shellMeta lists the characters rejected in any command token.
const shellMeta = ";&|<>$`\\"

// SafeCommand is a tokenized command ready for direct exec.
type SafeCommand struct {
	Command string
	Args    []string
}

// Tokens returns the command followed by its arguments.
func (c SafeCommand) Tokens() []string {
	out := make([]string, 0, 1+len(c.Args))
	out = append(out, c.Command)
	return append(out, c.Args...)
}

func (c SafeCommand) String() string {
	return strings.Join(c.Tokens(), " ")
}

// ValidateIdentifier accepts only [A-Za-z0-9@/_.-] and rejects "..".
func ValidateIdentifier(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(id) > MaxIdentifierLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentifier, MaxIdentifierLength)
	}
	if strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %q contains path traversal", ErrInvalidIdentifier, id)
	}
	for i := 0; i < len(id); i++ {
		if !identChar(id[i]) {
			return "", fmt.Errorf("%w: %q contains disallowed character %q", ErrInvalidIdentifier, id, id[i])
		}
	}
	return id, nil
}

func identChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '@', c == '/', c == '_', c == '.', c == '-':
		return true
	}
	return false
}

// ParseSafeCommand splits raw on whitespace and rejects any token that
// carries a shell metacharacter or a "../" style traversal. The result is
// never passed to a shell.
func ParseSafeCommand(raw string) (SafeCommand, error) {
	tokens := strings.Fields(raw)
	if len(tokens) == 0 {
		return SafeCommand{}, fmt.Errorf("%w: empty command", ErrUnsafeCommand)
	}
	for _, tok := range tokens {
		if err := ValidateToken(tok); err != nil {
			return SafeCommand{}, err
		}
		if strings.Contains(tok, "/") && strings.Contains(tok, "..") {
			return SafeCommand{}, fmt.Errorf("%w: token %q contains path traversal", ErrUnsafeCommand, tok)
		}
	}
	return SafeCommand{Command: tokens[0], Args: tokens[1:]}, nil
}

// ValidateToken applies the metacharacter rule of ParseSafeCommand. It is
// used for caller-supplied arguments, which may name relative paths.
func ValidateToken(tok string) error {
	if i := strings.IndexAny(tok, shellMeta); i >= 0 {
		return fmt.Errorf("%w: token %q contains shell metacharacter %q", ErrUnsafeCommand, tok, tok[i])
	}
	if strings.ContainsAny(tok, "\n\r\x00") {
		return fmt.Errorf("%w: token %q contains a control character", ErrUnsafeCommand, tok)
	}
	return nil
}

// ValidateArgs runs ValidateToken over every element.
func ValidateArgs(args []string) error {
	for _, a := range args {
		if err := ValidateToken(a); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEnvName accepts POSIX environment variable names.
func ValidateEnvName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty environment variable name", ErrUnsafeCommand)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		letter := c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
		if !letter && (i == 0 || c < '0' || c > '9') {
			return fmt.Errorf("%w: invalid environment variable name %q", ErrUnsafeCommand, name)
		}
	}
	return nil
}

// ValidateSourceURL accepts https URLs whose host and path pass identifier
// rules. A "sha256=<hex>" fragment is permitted.
func ValidateSourceURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %q: %v", ErrInvalidIdentifier, raw, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q is not an https URL", ErrInvalidIdentifier, raw)
	}
	if u.Host == "" || u.User != nil {
		return nil, fmt.Errorf("%w: %q has no usable host", ErrInvalidIdentifier, raw)
	}
	if _, err := ValidateIdentifier(u.Hostname()); err != nil {
		return nil, err
	}
	if p := strings.TrimPrefix(u.EscapedPath(), "/"); p != "" {
		if _, err := ValidateIdentifier(p); err != nil {
			return nil, err
		}
	}
	if u.RawQuery != "" {
		return nil, fmt.Errorf("%w: %q carries a query string", ErrInvalidIdentifier, raw)
	}
	if u.Fragment != "" && !strings.HasPrefix(u.Fragment, "sha256=") {
		return nil, fmt.Errorf("%w: unsupported fragment in %q", ErrInvalidIdentifier, raw)
	}
	return u, nil
}
