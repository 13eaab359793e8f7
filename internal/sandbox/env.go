package sandbox

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/aemholland/e14z/internal/sanitize"
)

// DefaultEnvAllowlist is the set of parent variables a child inherits.
var DefaultEnvAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TERM", "TMPDIR", "USER", "TZ"}

// deniedEnv are never passed to a child, whether inherited or supplied.
// They change how shells, dynamic linkers or language runtimes behave.
var deniedEnv = []string{
	"SHELL", "ENV", "BASH_ENV", "IFS", "CDPATH", "PS4", "PROMPT_COMMAND",
	"LD_PRELOAD", "LD_LIBRARY_PATH", "LD_AUDIT",
	"NODE_OPTIONS", "PYTHONSTARTUP", "PYTHONPATH", "PERL5OPT", "RUBYOPT",
}

const fallbackPath = "/usr/local/bin:/usr/bin:/bin"

// IsDeniedEnv reports whether name may never reach a child process.
func IsDeniedEnv(name string) bool {
	if strings.HasPrefix(name, "DYLD_") {
		return true
	}
	return slices.Contains(deniedEnv, name)
}

// BuildEnv constructs the child environment from an explicit allowlist of
// parent variables, the optional PATH prefix and caller extras. Extras with
// an invalid or denied name are rejected. The result is sorted.
func BuildEnv(parent []string, allow []string, pathPrepend []string, extra map[string]string) ([]string, error) {
	env := make(map[string]string)
	for _, kv := range parent {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || IsDeniedEnv(k) || !slices.Contains(allow, k) {
			continue
		}
		env[k] = v
	}

	path := env["PATH"]
	if path == "" {
		path = fallbackPath
	}
	if len(pathPrepend) > 0 {
		path = strings.Join(pathPrepend, string(os.PathListSeparator)) + string(os.PathListSeparator) + path
	}
	env["PATH"] = path

	for k, v := range extra {
		if err := sanitize.ValidateEnvName(k); err != nil {
			return nil, err
		}
		if IsDeniedEnv(k) {
			return nil, fmt.Errorf("%w: environment variable %s is not allowed", sanitize.ErrUnsafeCommand, k)
		}
		if strings.ContainsRune(v, 0) {
			return nil, fmt.Errorf("%w: environment variable %s contains NUL", sanitize.ErrUnsafeCommand, k)
		}
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}
