package platform

import (
	"os"
	"path/filepath"
	"testing"
)

func TestForIsDeterministic(t *testing.T) {
	for _, goos := range []string{Linux, Darwin, Windows, "freebsd"} {
		a, b := For(goos), For(goos)
		if a.ExecDir != b.ExecDir || a.PathListSeparator != b.PathListSeparator || a.DefaultEntrypoint != b.DefaultEntrypoint {
			t.Errorf("%s: For is not stable: %+v vs %+v", goos, a, b)
		}
	}
}

func TestForConventions(t *testing.T) {
	tests := []struct {
		goos       string
		execDir    string
		sep        string
		entrypoint string
		strips     bool
	}{
		{Linux, "bin", ":", "gunicorn -b :${PORT} main:app", false},
		{Darwin, "bin", ":", "gunicorn -b :${PORT} main:app", false},
		{Windows, "Scripts", ";", "waitress-serve --listen=*:${PORT} main:app", true},
	}

	for _, tt := range tests {
		p := For(tt.goos)
		if p.ExecDir != tt.execDir {
			t.Errorf("%s: ExecDir = %q, want %q", tt.goos, p.ExecDir, tt.execDir)
		}
		if p.PathListSeparator != tt.sep {
			t.Errorf("%s: separator = %q, want %q", tt.goos, p.PathListSeparator, tt.sep)
		}
		if p.DefaultEntrypoint != tt.entrypoint {
			t.Errorf("%s: entrypoint = %q, want %q", tt.goos, p.DefaultEntrypoint, tt.entrypoint)
		}
		if p.StripsWrapper != tt.strips {
			t.Errorf("%s: StripsWrapper = %v, want %v", tt.goos, p.StripsWrapper, tt.strips)
		}
	}
}

func TestForCopiesCandidates(t *testing.T) {
	p := For(Linux)
	p.InterpreterCandidates[0] = "mutated"
	if For(Linux).InterpreterCandidates[0] != "python3" {
		t.Error("mutating a returned Platform leaked into the defaults")
	}
}

func TestJoinPath(t *testing.T) {
	if got := For(Linux).JoinPath("/env/bin", "/usr/bin"); got != "/env/bin:/usr/bin" {
		t.Errorf("posix JoinPath = %q", got)
	}
	if got := For(Windows).JoinPath(`C:\env\Scripts`, `C:\Windows`); got != `C:\env\Scripts;C:\Windows` {
		t.Errorf("windows JoinPath = %q", got)
	}
	if got := For(Linux).JoinPath("/env/bin", ""); got != "/env/bin" {
		t.Errorf("JoinPath with empty PATH = %q", got)
	}
}

func TestHasInterpreter(t *testing.T) {
	p := For(Linux)
	dir := t.TempDir()

	if p.HasInterpreter(dir) {
		t.Fatal("empty directory should not look like an environment")
	}

	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.InterpreterPath(dir), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if !p.HasInterpreter(dir) {
		t.Error("environment with an executable interpreter should be reusable")
	}
}
