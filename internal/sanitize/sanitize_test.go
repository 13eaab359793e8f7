package sanitize

import (
	"errors"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"github-mcp", true},
		{"@modelcontextprotocol/server-github", true},
		{"example.org/tool", true},
		{"my_tool-1.2.3", true},
		{"", false},
		{"../etc/passwd", false},
		{"a/../b", false},
		{"foo..bar", false},
		{`foo\bar`, false},
		{"foo;rm", false},
		{"foo bar", false},
		{"foo$HOME", false},
		{"foo`id`", false},
		{"foo|bar", false},
		{"tool:latest", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := ValidateIdentifier(tt.id)
			if tt.valid {
				if err != nil {
					t.Fatalf("ValidateIdentifier(%q) error: %v", tt.id, err)
				}
				if got != tt.id {
					t.Errorf("ValidateIdentifier(%q) = %q", tt.id, got)
				}
				return
			}
			if !errors.Is(err, ErrInvalidIdentifier) {
				t.Errorf("ValidateIdentifier(%q) error = %v, want ErrInvalidIdentifier", tt.id, err)
			}
		})
	}
}

func TestValidateIdentifier_TooLong(t *testing.T) {
	long := make([]byte, MaxIdentifierLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := ValidateIdentifier(string(long)); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestParseSafeCommand(t *testing.T) {
	cmd, err := ParseSafeCommand("  npx -y @scope/server-thing   --stdio ")
	if err != nil {
		t.Fatalf("ParseSafeCommand: %v", err)
	}
	if cmd.Command != "npx" {
		t.Errorf("Command = %q, want npx", cmd.Command)
	}
	want := []string{"-y", "@scope/server-thing", "--stdio"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("Args = %v, want %v", cmd.Args, want)
	}
	for i := range want {
		if cmd.Args[i] != want[i] {
			t.Errorf("Args[%d] = %q, want %q", i, cmd.Args[i], want[i])
		}
	}
	if cmd.String() != "npx -y @scope/server-thing --stdio" {
		t.Errorf("String() = %q", cmd.String())
	}
}

func TestParseSafeCommand_RejectsMetacharacters(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"npx foo; rm -rf /",
		"npx foo && curl evil",
		"npx foo | sh",
		"npx foo > /etc/passwd",
		"npx foo < input",
		"npx $(whoami)",
		"npx `id`",
		`npx foo\bar`,
		"go install example.org/tool&",
	} {
		if _, err := ParseSafeCommand(raw); !errors.Is(err, ErrUnsafeCommand) {
			t.Errorf("ParseSafeCommand(%q) error = %v, want ErrUnsafeCommand", raw, err)
		}
	}
}

func TestParseSafeCommand_RejectsTraversal(t *testing.T) {
	for _, raw := range []string{
		"npx ../../etc/passwd",
		"go install example.org/../tool",
	} {
		_, err := ParseSafeCommand(raw)
		if !errors.Is(err, ErrUnsafeCommand) {
			t.Errorf("ParseSafeCommand(%q) error = %v, want ErrUnsafeCommand", raw, err)
		}
		if errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("ParseSafeCommand(%q) error = %v, must not be ErrInvalidIdentifier", raw, err)
		}
	}
	// Version ranges are not paths.
	if _, err := ParseSafeCommand("npx tool@1..2"); err != nil {
		t.Errorf("ParseSafeCommand(tool@1..2): %v", err)
	}
}

func TestValidateToken_ControlCharacters(t *testing.T) {
	if err := ValidateToken("a\x00b"); !errors.Is(err, ErrUnsafeCommand) {
		t.Errorf("expected ErrUnsafeCommand for NUL, got %v", err)
	}
	if err := ValidateArgs([]string{"--ok", "--fine=1"}); err != nil {
		t.Errorf("ValidateArgs: %v", err)
	}
	if err := ValidateArgs([]string{"--ok", "x;y"}); err == nil {
		t.Error("expected error for metacharacter in args")
	}
}

func TestValidateEnvName(t *testing.T) {
	for _, name := range []string{"GITHUB_TOKEN", "_X", "a1"} {
		if err := ValidateEnvName(name); err != nil {
			t.Errorf("ValidateEnvName(%q): %v", name, err)
		}
	}
	for _, name := range []string{"", "1ABC", "A-B", "A=B", "A B"} {
		if err := ValidateEnvName(name); err == nil {
			t.Errorf("ValidateEnvName(%q) should fail", name)
		}
	}
}

func TestValidateSourceURL(t *testing.T) {
	ok := []string{
		"https://github.com/owner/repo.git",
		"https://example.org/releases/tool-1.0.tar.gz",
		"https://example.org/tool.zip#sha256=abcd",
	}
	for _, raw := range ok {
		if _, err := ValidateSourceURL(raw); err != nil {
			t.Errorf("ValidateSourceURL(%q): %v", raw, err)
		}
	}

	bad := []string{
		"http://example.org/tool.tar.gz",
		"file:///etc/passwd",
		"https://user:pw@example.org/x",
		"https://example.org/../x",
		"https://example.org/x?y=1",
		"https://example.org/x#frag",
		"https:///nohost",
	}
	for _, raw := range bad {
		if _, err := ValidateSourceURL(raw); !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("ValidateSourceURL(%q) error = %v, want ErrInvalidIdentifier", raw, err)
		}
	}
}
