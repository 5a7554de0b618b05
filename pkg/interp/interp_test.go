package interp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/lajosnagyuk/devrt/pkg/config"
	"github.com/lajosnagyuk/devrt/pkg/platform"
)

// fakeProbe runs this test binary as the interpreter, printing output and
// exiting with code.
func fakeProbe(output string, code int) CommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(),
			"GO_WANT_HELPER_PROCESS=1",
			"HELPER_OUTPUT="+output,
			"HELPER_EXIT="+strconv.Itoa(code),
		)
		return cmd
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprintln(os.Stderr, os.Getenv("HELPER_OUTPUT"))
	code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT"))
	os.Exit(code)
}

func noLookPath(string) (string, error) {
	return "", exec.ErrNotFound
}

func TestResolveOrder(t *testing.T) {
	linux := platform.For(platform.Linux)

	tests := []struct {
		name      string
		overrides config.InterpreterConfig
		lookPath  func(string) (string, error)
		tag       string
		want      string
	}{
		{
			name: "global override wins regardless of tag",
			overrides: config.InterpreterConfig{
				Path:     "/opt/py/bin/python",
				Runtimes: map[string]string{"python311": "/usr/bin/python3.11"},
			},
			lookPath: noLookPath,
			tag:      "python311",
			want:     "/opt/py/bin/python",
		},
		{
			name:      "per runtime override",
			overrides: config.InterpreterConfig{Runtimes: map[string]string{"python311": "/usr/bin/python3.11"}},
			lookPath:  noLookPath,
			tag:       "python311",
			want:      "/usr/bin/python3.11",
		},
		{
			name:      "per runtime override for another tag is ignored",
			overrides: config.InterpreterConfig{Runtimes: map[string]string{"python39": "/usr/bin/python3.9"}},
			lookPath: func(file string) (string, error) {
				return "/usr/local/bin/" + file, nil
			},
			tag:  "python311",
			want: "/usr/local/bin/python3",
		},
		{
			name:     "platform fallback",
			lookPath: noLookPath,
			tag:      "python3",
			want:     "python3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLocator(tt.overrides, linux)
			l.LookPath = tt.lookPath
			if got := l.Resolve(tt.tag); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.tag, got, tt.want)
			}
		})
	}
}

func TestResolveWindowsFallback(t *testing.T) {
	l := NewLocator(config.InterpreterConfig{}, platform.For(platform.Windows))
	l.LookPath = noLookPath
	if got := l.Resolve("python3"); got != "python" {
		t.Errorf("windows fallback = %q, want python", got)
	}
}

func TestValidateMissingInterpreter(t *testing.T) {
	l := NewLocator(config.InterpreterConfig{}, platform.Current())
	missing := filepath.Join(t.TempDir(), "no-such-python")

	_, err := l.Validate(context.Background(), missing, "python3")
	if !errors.Is(err, ErrInterpreterNotFound) {
		t.Fatalf("expected ErrInterpreterNotFound, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Path != missing {
		t.Errorf("error should carry the probed path, got %v", err)
	}
}

func TestValidateToleratesNonZeroExit(t *testing.T) {
	l := NewLocator(config.InterpreterConfig{}, platform.Current())
	l.Command = fakeProbe("Python 3.11.4", 3)

	v, err := l.Validate(context.Background(), "python3", "python3")
	if err != nil {
		t.Fatalf("non-zero exit should not fail validation: %v", err)
	}
	if v.Semver != "v3.11.4" {
		t.Errorf("Semver = %q, want v3.11.4", v.Semver)
	}
}

func TestValidateLaunchFailureLeavesVersionUnknown(t *testing.T) {
	l := NewLocator(config.InterpreterConfig{}, platform.Current())
	v, err := l.Validate(context.Background(), filepath.Join(t.TempDir(), "nope"), "python311")
	if !errors.Is(err, ErrInterpreterNotFound) {
		t.Errorf("err = %v, want ErrInterpreterNotFound", err)
	}
	if v.Known() {
		t.Errorf("expected unknown version, got %+v", v)
	}
	if !v.Before("3.6") {
		t.Error("unknown versions should be treated as old")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		raw        string
		semver     string
		majorMinor string
		before36   bool
	}{
		{"Python 3.11.4", "v3.11.4", "3.11", false},
		{"Python 3.5.2\n", "v3.5.2", "3.5", true},
		{"Python 2.7.18", "v2.7.18", "2.7", true},
		{"Python 3.6.0", "v3.6.0", "3.6", false},
		{"Python 3.12", "v3.12.0", "3.12", false},
		{"garbage", "", "", true},
	}

	for _, tt := range tests {
		v := ParseVersion(tt.raw)
		if v.Semver != tt.semver {
			t.Errorf("ParseVersion(%q).Semver = %q, want %q", tt.raw, v.Semver, tt.semver)
		}
		if v.MajorMinor() != tt.majorMinor {
			t.Errorf("ParseVersion(%q).MajorMinor() = %q, want %q", tt.raw, v.MajorMinor(), tt.majorMinor)
		}
		if v.Before("3.6") != tt.before36 {
			t.Errorf("ParseVersion(%q).Before(3.6) = %v, want %v", tt.raw, v.Before("3.6"), tt.before36)
		}
	}
}
