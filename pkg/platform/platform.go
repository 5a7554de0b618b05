// Package platform describes the OS-specific conventions used when building
// and launching Python worker environments.
//
// Everything that differs between posix hosts and windows hosts lives here,
// so callers never check runtime.GOOS themselves.
package platform

import (
	"path/filepath"
	goruntime "runtime"
)

// OS names as reported by runtime.GOOS.
const (
	Windows = "windows"
	Darwin  = "darwin"
	Linux   = "linux"
)

// Platform holds the conventions for one host operating system.
type Platform struct {
	// GOOS is the operating system these conventions belong to.
	GOOS string

	// ExecDir is the directory inside a virtualenv holding executables.
	ExecDir string

	// PathListSeparator joins PATH entries.
	PathListSeparator string

	// DefaultEntrypoint starts the worker when the module declares none.
	// ${PORT} is substituted by whoever assigns the port.
	DefaultEntrypoint string

	// ServingPackage is the HTTP server the default entrypoint needs.
	ServingPackage string

	// InstallServingStep means the serving package is installed by an extra
	// installer step rather than appended to a scratch manifest.
	InstallServingStep bool

	// StripsWrapper means a leading "exec" in an entrypoint is not a
	// launchable command and has to be removed.
	StripsWrapper bool

	// InterpreterBinary is the interpreter file name inside ExecDir.
	InterpreterBinary string

	// FallbackInterpreter is used when nothing better can be found.
	FallbackInterpreter string

	// InterpreterCandidates are looked up on PATH, in order.
	InterpreterCandidates []string

	// NeedsSystemRoot means the interpreter fails to initialise without
	// SYSTEMROOT in its environment.
	NeedsSystemRoot bool

	// UpgradeViaInterpreter runs the installer upgrade as "python -m pip".
	UpgradeViaInterpreter bool

	// DisablesUserInstalls sets PIP_USER=false for installer runs.
	DisablesUserInstalls bool
}

var (
	posix = Platform{
		ExecDir:               "bin",
		PathListSeparator:     ":",
		DefaultEntrypoint:     "gunicorn -b :${PORT} main:app",
		ServingPackage:        "gunicorn",
		InterpreterBinary:     "python",
		FallbackInterpreter:   "python3",
		InterpreterCandidates: []string{"python3", "python"},
	}

	windows = Platform{
		GOOS:                  Windows,
		ExecDir:               "Scripts",
		PathListSeparator:     ";",
		DefaultEntrypoint:     "waitress-serve --listen=*:${PORT} main:app",
		ServingPackage:        "waitress",
		InstallServingStep:    true,
		StripsWrapper:         true,
		InterpreterBinary:     "python.exe",
		FallbackInterpreter:   "python",
		InterpreterCandidates: []string{"python", "py"},
		NeedsSystemRoot:       true,
		UpgradeViaInterpreter: true,
		DisablesUserInstalls:  true,
	}
)

// For returns the conventions for goos. Anything that is not windows is
// treated as posix.
func For(goos string) Platform {
	if goos == Windows {
		p := windows
		p.InterpreterCandidates = append([]string(nil), windows.InterpreterCandidates...)
		return p
	}
	p := posix
	p.GOOS = goos
	p.InterpreterCandidates = append([]string(nil), posix.InterpreterCandidates...)
	return p
}

// Current returns the conventions for the running host.
func Current() Platform {
	return For(goruntime.GOOS)
}

// IsWindows reports whether these are the windows conventions.
func (p Platform) IsWindows() bool {
	return p.GOOS == Windows
}

// ExecPath returns the executables directory of the environment at envDir.
func (p Platform) ExecPath(envDir string) string {
	return filepath.Join(envDir, p.ExecDir)
}

// InterpreterPath returns the interpreter inside the environment at envDir.
func (p Platform) InterpreterPath(envDir string) string {
	return filepath.Join(envDir, p.ExecDir, p.InterpreterBinary)
}

// InstallerPath returns the package installer inside the environment.
func (p Platform) InstallerPath(envDir string) string {
	return filepath.Join(envDir, p.ExecDir, "pip")
}

// HasInterpreter reports whether envDir already holds a usable interpreter.
// This is the marker for reusing an existing environment instead of
// re-initialising it.
func (p Platform) HasInterpreter(envDir string) bool {
	return isExecutable(p.InterpreterPath(envDir))
}

// JoinPath prepends dir to an inherited PATH value.
func (p Platform) JoinPath(dir, inherited string) string {
	if inherited == "" {
		return dir
	}
	return dir + p.PathListSeparator + inherited
}
