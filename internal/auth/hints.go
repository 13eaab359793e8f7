package auth

import (
	"regexp"
	"slices"
	"strings"
)

// envHintPatterns match failure output that names a missing variable.
var envHintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i:missing required environment variable)[:\s]+([A-Z][A-Z0-9_]{3,})`),
	regexp.MustCompile(`(?i:environment variable) ([A-Z][A-Z0-9_]{3,}) (?i:is required)`),
	regexp.MustCompile(`(?i:please set) ([A-Z][A-Z0-9_]{3,})`),
	regexp.MustCompile(`([A-Z][A-Z0-9_]{3,}) (?i:not found)`),
	regexp.MustCompile(`([A-Z][A-Z0-9_]{3,}) (?i:is not set)`),
	regexp.MustCompile(`(?i:missing) ([A-Z][A-Z0-9_]{3,})`),
	regexp.MustCompile(`(?i:requires?) ([A-Z][A-Z0-9_]{3,})`),
	regexp.MustCompile(`(?i:set the) ([A-Z][A-Z0-9_]{3,}) (?i:environment variable)`),
}

var credentialKeywords = []string{"key", "token", "secret", "auth", "api", "url", "client"}

// ExtractEnvHints scans tool failure output for credential-looking
// environment variable names. Results are de-duplicated in order of first
// appearance. The output is advisory only.
func ExtractEnvHints(output string) []string {
	var hints []string
	for _, re := range envHintPatterns {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			name := m[1]
			if !looksLikeCredential(name) || slices.Contains(hints, name) {
				continue
			}
			hints = append(hints, name)
		}
	}
	return hints
}

func looksLikeCredential(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range credentialKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
