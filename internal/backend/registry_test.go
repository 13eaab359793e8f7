package backend

import (
	"errors"
	"testing"

	"github.com/aemholland/e14z/internal/domain"
)

func TestDefaultRegistry_Order(t *testing.T) {
	r := DefaultRegistry(testOptions(&fakeRunner{}))

	want := []string{"npm", "pip", "go", "cargo", "container", "git", "archive"}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("got %d backends, want %d", len(got), len(want))
	}
	for i, b := range got {
		if b.Name() != want[i] {
			t.Errorf("backend[%d] = %s, want %s", i, b.Name(), want[i])
		}
	}
}

func TestRegistry_Select(t *testing.T) {
	r := DefaultRegistry(testOptions(&fakeRunner{}))

	tests := []struct {
		cmd  string
		want string
	}{
		{"npx -y @modelcontextprotocol/server-filesystem /tmp", "npm"},
		{"npm install -g some-tool", "npm"},
		{"pip install mcp-server-fetch", "pip"},
		{"uvx mcp-server-git --repository .", "pip"},
		{"python3 -m pip install tool==1.0", "pip"},
		{"go install github.com/acme/tool@latest", "go"},
		{"cargo install ripgrep", "cargo"},
		{"docker run -i --rm ghcr.io/acme/tool:1.2", "container"},
		{"git clone https://github.com/acme/tool.git", "git"},
		{"curl -fsSL -o t.tgz https://example.com/t_1.0_linux_amd64.tar.gz", "archive"},
		{"https://example.com/tool-linux-amd64", "archive"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			b, err := r.Select(domain.InstallDirective{RawCommand: tt.cmd})
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if b.Name() != tt.want {
				t.Errorf("selected %s, want %s", b.Name(), tt.want)
			}
		})
	}
}

func TestRegistry_SelectUnsupported(t *testing.T) {
	r := DefaultRegistry(testOptions(&fakeRunner{}))

	for _, cmd := range []string{"brew install tool", "apt-get install tool", "", "curl http://insecure.example/x"} {
		_, err := r.Select(domain.InstallDirective{RawCommand: cmd})
		if !errors.Is(err, ErrUnsupportedInstallMethod) {
			t.Errorf("Select(%q) err = %v, want ErrUnsupportedInstallMethod", cmd, err)
		}
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(NewNPM(testOptions(&fakeRunner{})))

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r.Register(NewNPM(testOptions(&fakeRunner{})))
}

func TestRegistry_Get(t *testing.T) {
	r := DefaultRegistry(testOptions(&fakeRunner{}))
	if b, ok := r.Get("cargo"); !ok || b.Kind() != domain.DirectiveCompiledPackage {
		t.Errorf("Get(cargo) = %v, %v", b, ok)
	}
	if _, ok := r.Get("brew"); ok {
		t.Error("Get(brew) should be false")
	}
}

func TestRegistry_SelectRanked(t *testing.T) {
	r := DefaultRegistry(testOptions(&fakeRunner{}))

	directives := []domain.InstallDirective{
		{RawCommand: "brew install tool", Priority: 0, Confidence: 1},
		{RawCommand: "pip install tool", Priority: 2, Confidence: 0.9},
		{RawCommand: "cargo install tool", Priority: 1, Confidence: 0.4},
		{RawCommand: "npx tool", Priority: 1, Confidence: 0.8},
	}
	b, d, err := r.SelectRanked(directives)
	if err != nil {
		t.Fatalf("SelectRanked: %v", err)
	}
	if b.Name() != "npm" || d.RawCommand != "npx tool" {
		t.Errorf("selected %s / %q, want npm / npx tool", b.Name(), d.RawCommand)
	}

	if _, _, err := r.SelectRanked(directives[:1]); !errors.Is(err, ErrUnsupportedInstallMethod) {
		t.Errorf("err = %v, want ErrUnsupportedInstallMethod", err)
	}
	if _, _, err := r.SelectRanked(nil); !errors.Is(err, ErrUnsupportedInstallMethod) {
		t.Errorf("err = %v for no directives", err)
	}
}
