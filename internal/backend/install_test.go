package backend

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
)

func TestInstallWithFallback(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name         string
		pkg          domain.ResolvedPackage
		installed    string
		failVersions []string // attempt versions that fail
		wantAttempts int
		wantVersions []string
		wantErr      bool
		wantFallback bool
		wantAlready  bool
	}{
		{
			name:         "already installed short-circuits",
			pkg:          domain.ResolvedPackage{Name: "tool", Version: "1.2.0", ExplicitVersion: true},
			installed:    "1.2.0",
			wantAttempts: 0,
			wantAlready:  true,
		},
		{
			name:         "installed version does not satisfy",
			pkg:          domain.ResolvedPackage{Name: "tool", Version: "2.0.0", ExplicitVersion: true},
			installed:    "1.2.0",
			wantAttempts: 1,
			wantVersions: []string{"2.0.0"},
		},
		{
			name:         "unqualified install",
			pkg:          domain.ResolvedPackage{Name: "tool", Version: domain.LatestVersion},
			wantAttempts: 1,
			wantVersions: []string{""},
		},
		{
			name:         "unqualified failure does not retry",
			pkg:          domain.ResolvedPackage{Name: "tool", Version: domain.LatestVersion},
			failVersions: []string{""},
			wantAttempts: 1,
			wantVersions: []string{""},
			wantErr:      true,
		},
		{
			name:         "versioned failure retries once unqualified",
			pkg:          domain.ResolvedPackage{Name: "tool", Version: "9.9.9", ExplicitVersion: true},
			failVersions: []string{"9.9.9"},
			wantAttempts: 2,
			wantVersions: []string{"9.9.9", ""},
			wantFallback: true,
		},
		{
			name:         "both attempts fail",
			pkg:          domain.ResolvedPackage{Name: "tool", Version: "9.9.9", ExplicitVersion: true},
			failVersions: []string{"9.9.9", ""},
			wantAttempts: 2,
			wantVersions: []string{"9.9.9", ""},
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOptions(&fakeRunner{}).withDefaults()
			var versions []string
			current := tt.installed

			out, err := o.installWithFallback(context.Background(), installPlan{
				backend: "test",
				pkg:     tt.pkg,
				installed: func(context.Context) (string, bool) {
					return current, current != ""
				},
				attempt: func(_ context.Context, v string) (string, error) {
					versions = append(versions, v)
					if slices.Contains(tt.failVersions, v) {
						return "failed " + v, errBoom
					}
					current = "3.0.0"
					return "ok", nil
				},
			})

			if !slices.Equal(versions, tt.wantVersions) {
				t.Errorf("attempted versions = %q, want %q", versions, tt.wantVersions)
			}
			if out == nil {
				t.Fatal("outcome must not be nil")
			}
			if out.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", out.Attempts, tt.wantAttempts)
			}
			if out.AlreadyInstalled != tt.wantAlready {
				t.Errorf("AlreadyInstalled = %v", out.AlreadyInstalled)
			}
			if out.VersionFallback != tt.wantFallback {
				t.Errorf("VersionFallback = %v", out.VersionFallback)
			}
			if tt.wantErr {
				var ie *InstallError
				if !errors.As(err, &ie) {
					t.Fatalf("err = %v, want *InstallError", err)
				}
				if ie.Attempts != tt.wantAttempts || !errors.Is(err, errBoom) {
					t.Errorf("InstallError = %+v", ie)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantFallback && out.InstalledVersion != "3.0.0" {
				t.Errorf("InstalledVersion = %q", out.InstalledVersion)
			}
			if out.RequestedVersion != tt.pkg.Version {
				t.Errorf("RequestedVersion = %q", out.RequestedVersion)
			}
		})
	}
}

func TestInstallWithFallback_CanceledNoRetry(t *testing.T) {
	o := testOptions(&fakeRunner{}).withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	var attempts int
	_, err := o.installWithFallback(ctx, installPlan{
		backend:   "test",
		pkg:       domain.ResolvedPackage{Name: "tool", Version: "1.0", ExplicitVersion: true},
		installed: func(context.Context) (string, bool) { return "", false },
		attempt: func(context.Context, string) (string, error) {
			attempts++
			cancel()
			return "", context.Canceled
		},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 after cancellation", attempts)
	}
}

// A go directive pinned to @latest with no go toolchain fails after
// exactly one unqualified retry.
func TestGoInstall_ToolchainMissing(t *testing.T) {
	r := &fakeRunner{}
	b := NewGo(testOptions(r))
	pkg, err := b.ParseInstallDirective(domain.InstallDirective{RawCommand: "go install github.com/acme/tool@latest"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := b.Install(context.Background(), pkg, t.TempDir())
	var ie *InstallError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want *InstallError", err)
	}
	if ie.Attempts != 2 || out.Attempts != 2 {
		t.Errorf("Attempts = %d/%d, want 2", ie.Attempts, out.Attempts)
	}
	var missing *ToolchainMissingError
	if !errors.As(err, &missing) || missing.Tool != "go" {
		t.Errorf("expected ToolchainMissingError in chain, got %v", err)
	}
	if len(r.Calls()) != 0 {
		t.Errorf("runner called %d times, want 0", len(r.Calls()))
	}
}

func TestNPMInstall_RunsWithoutShell(t *testing.T) {
	var installs atomic.Int32
	r := &fakeRunner{script: func(req sandbox.RunRequest) (*domain.ExecutionResult, error) {
		installs.Add(1)
		return okResult("added 1 package"), nil
	}}
	cache := t.TempDir()
	b := NewNPM(testOptions(r, "npm"))

	pkg, err := b.ParseInstallDirective(domain.InstallDirective{RawCommand: "npx @acme/tool@1.0.0"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Install(context.Background(), pkg, cache); err != nil {
		t.Fatalf("Install: %v", err)
	}

	calls := r.Calls()
	if len(calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(calls))
	}
	req := calls[0]
	if req.Path != "/usr/bin/npm" {
		t.Errorf("Path = %q", req.Path)
	}
	want := "install --prefix " + cache + "/npm/@acme+tool --no-audit --no-fund --no-save @acme/tool@1.0.0"
	if got := strings.Join(req.Args, " "); got != want {
		t.Errorf("Args = %q, want %q", got, want)
	}
}

func TestNPMInstall_PrefixPerPackage(t *testing.T) {
	r := &fakeRunner{}
	cache := t.TempDir()
	b := NewNPM(testOptions(r, "npm"))

	for _, raw := range []string{"npx -y tool-a", "npx -y @scope/tool-a", "npx -y tool-b"} {
		pkg, err := b.ParseInstallDirective(domain.InstallDirective{RawCommand: raw})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Install(context.Background(), pkg, cache); err != nil {
			t.Fatalf("Install(%s): %v", raw, err)
		}
	}

	var prefixes []string
	for _, c := range r.Calls() {
		prefixes = append(prefixes, c.Args[2])
		if c.Dir != c.Args[2] {
			t.Errorf("Dir = %q, want the prefix %q", c.Dir, c.Args[2])
		}
	}
	want := []string{cache + "/npm/tool-a", cache + "/npm/@scope+tool-a", cache + "/npm/tool-b"}
	if !slices.Equal(prefixes, want) {
		t.Errorf("prefixes = %v, want %v", prefixes, want)
	}
}

func TestVersionSatisfies(t *testing.T) {
	tests := []struct {
		requested, installed string
		want                 bool
	}{
		{"", "1.0.0", true},
		{"latest", "0.0.1", true},
		{"1.2.3", "1.2.3", true},
		{"1.2.3", "v1.2.3", true},
		{"^1.2", "1.9.0", true},
		{"^1.2", "2.0.0", false},
		{"~0.3", "0.3.7", true},
		{"v2.0", "v2.0", true},
		{"main", "main", true},
		{"main", "dev", false},
		{"1.0.0", "", false},
	}
	for _, tt := range tests {
		if got := VersionSatisfies(tt.requested, tt.installed); got != tt.want {
			t.Errorf("VersionSatisfies(%q, %q) = %v, want %v", tt.requested, tt.installed, got, tt.want)
		}
	}
}
