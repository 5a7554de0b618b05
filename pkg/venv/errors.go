package venv

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	ErrEnvironmentCreation = errors.New("environment creation failed")
	ErrInstall             = errors.New("dependency installation failed")
)

// CreationError is returned when neither venv nor virtualenv could build
// the environment directory.
type CreationError struct {
	Dir string
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("cannot create environment at %s: %v\n\n"+
		"  Neither \"python -m venv\" nor \"virtualenv\" succeeded.\n"+
		"  Install the venv module (e.g. apt install python3-venv) or virtualenv.", e.Dir, e.Err)
}

func (e *CreationError) Is(target error) bool {
	return target == ErrEnvironmentCreation
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// InstallError is returned when an installer step exits non-zero. Command is
// the verbatim command line of the failed step.
type InstallError struct {
	Command  string
	ExitCode int
	LogPath  string
	Hint     string
	Err      error
}

func (e *InstallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed to run %q", e.Command)
	if e.Hint != "" {
		b.WriteString("\n\n  ")
		b.WriteString(e.Hint)
	}
	if e.LogPath != "" {
		fmt.Fprintf(&b, "\n\n  Installer log: %s", e.LogPath)
	}
	return b.String()
}

func (e *InstallError) Is(target error) bool {
	return target == ErrInstall
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// interpretPipOutput turns the tail of an installer log into an actionable
// hint. It returns "" when nothing recognisable was found.
func interpretPipOutput(output string) string {
	lower := strings.ToLower(output)

	switch {
	case strings.Contains(lower, "could not find a version that satisfies"),
		strings.Contains(lower, "no matching distribution"):
		return "A package or version constraint could not be satisfied.\n" +
			"  Check package names and pins in requirements.txt and the Python version."

	case strings.Contains(lower, "connection") || strings.Contains(lower, "network") || strings.Contains(lower, "timeout"):
		return "Network error during pip install.\n" +
			"  If behind a proxy, set HTTP_PROXY and HTTPS_PROXY environment variables."

	case strings.Contains(lower, "permission denied"):
		return "Permission denied during install.\n" +
			"  Check directory permissions of the environment and of venv_root."

	case strings.Contains(lower, "gcc") || strings.Contains(lower, "failed building wheel") || strings.Contains(lower, "error: command"):
		return "Compilation failed - missing build tools.\n" +
			"  - macOS:  xcode-select --install\n" +
			"  - Ubuntu: sudo apt install build-essential python3-dev\n" +
			"  - Fedora: sudo dnf install gcc python3-devel"

	case strings.Contains(lower, "no space left"):
		return "Disk full - free up disk space and try again."
	}

	return ""
}
