// Package interp locates and probes the Python interpreter used to build
// worker environments.
package interp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/lajosnagyuk/devrt/pkg/config"
	"github.com/lajosnagyuk/devrt/pkg/log"
	"github.com/lajosnagyuk/devrt/pkg/platform"
)

// ErrInterpreterNotFound is returned when no runnable interpreter exists.
var ErrInterpreterNotFound = errors.New("interpreter not found")

// NotFoundError wraps ErrInterpreterNotFound with the probed path.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("could not find a python executable at %q: %v\n\n"+
		"  Check your python installation, PATH and the [interpreter] section of devrt.toml",
		e.Path, e.Err)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrInterpreterNotFound
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// CommandFunc builds a child process. It exists so tests can substitute
// fake interpreters.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Locator resolves the interpreter for a runtime tag.
type Locator struct {
	// Overrides come from the host configuration
	Overrides config.InterpreterConfig

	// Platform supplies candidate and fallback names
	Platform platform.Platform

	// LookPath finds candidates on PATH (default: exec.LookPath)
	LookPath func(file string) (string, error)

	// Command builds the version probe (default: exec.CommandContext)
	Command CommandFunc
}

// NewLocator creates a locator for the given overrides and platform.
func NewLocator(overrides config.InterpreterConfig, p platform.Platform) *Locator {
	return &Locator{
		Overrides: overrides,
		Platform:  p,
		LookPath:  exec.LookPath,
		Command:   exec.CommandContext,
	}
}

// Resolve returns the interpreter for runtimeTag. The first match wins:
// the global override, the per-runtime override, the first candidate found
// on PATH, then the platform fallback name.
func (l *Locator) Resolve(runtimeTag string) string {
	if l.Overrides.Path != "" {
		return l.Overrides.Path
	}
	if path, ok := l.Overrides.Runtimes[runtimeTag]; ok && path != "" {
		return path
	}

	lookPath := l.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, candidate := range l.Platform.InterpreterCandidates {
		if path, err := lookPath(candidate); err == nil {
			return path
		}
	}

	return l.Platform.FallbackInterpreter
}

// Validate runs "<path> --version". Only a failure to launch the probe is an
// error; a non-zero exit status still counts as a runnable interpreter.
func (l *Locator) Validate(ctx context.Context, path, runtimeTag string) (Version, error) {
	raw, err := l.probe(ctx, path)
	if err != nil {
		return Version{}, &NotFoundError{Path: path, Err: err}
	}

	v := ParseVersion(raw)
	log.Info("Detected python version %q for runtime %q at %q", v.Raw, runtimeTag, path)
	return v, nil
}

func (l *Locator) probe(ctx context.Context, path string) (string, error) {
	command := l.Command
	if command == nil {
		command = exec.CommandContext
	}

	cmd := command(ctx, path, "--version")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// Version is a parsed interpreter version.
type Version struct {
	// Raw is the probe output, e.g. "Python 3.11.4"
	Raw string

	// Semver is the canonical form, e.g. "v3.11.4" (empty if unparseable)
	Semver string
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseVersion extracts a version from "--version" output.
func ParseVersion(raw string) Version {
	v := Version{Raw: strings.TrimSpace(raw)}

	m := versionRe.FindStringSubmatch(strings.TrimPrefix(v.Raw, "Python "))
	if m == nil {
		return v
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	canonical := fmt.Sprintf("v%s.%s.%s", m[1], m[2], patch)
	if semver.IsValid(canonical) {
		v.Semver = canonical
	}
	return v
}

// Known reports whether the version could be parsed.
func (v Version) Known() bool {
	return v.Semver != ""
}

// Before reports whether v is older than minor ("3.6"). Unknown versions are
// treated as old.
func (v Version) Before(minor string) bool {
	if !v.Known() {
		return true
	}
	return semver.Compare(semver.MajorMinor(v.Semver), "v"+minor) < 0
}

// MajorMinor returns e.g. "3.11", or "" when unknown.
func (v Version) MajorMinor() string {
	if !v.Known() {
		return ""
	}
	return strings.TrimPrefix(semver.MajorMinor(v.Semver), "v")
}
