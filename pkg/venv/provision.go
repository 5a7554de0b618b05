// Package venv builds the isolated Python environment a worker runs in.
//
// Provisioning is cleanup-then-create: an environment is either reused as a
// whole (its interpreter is present) or built from scratch. The installer
// pipeline always runs afterwards so the environment matches the manifest.
package venv

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lajosnagyuk/devrt/pkg/deps"
	"github.com/lajosnagyuk/devrt/pkg/interp"
	"github.com/lajosnagyuk/devrt/pkg/log"
	"github.com/lajosnagyuk/devrt/pkg/platform"
)

// CommandFunc builds a child process.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// LineObserver receives the most recent output line of a running installer
// step, and is told when the step exits.
type LineObserver interface {
	Line(command, line string)
	Finish(command string, exitCode int)
}

// Archiver stores a finished installer log and returns where it went.
type Archiver interface {
	Archive(path string) (string, error)
}

// Provisioner creates environments and installs dependencies into them.
type Provisioner struct {
	// Platform supplies directory layout and installer conventions
	Platform platform.Platform

	// Command builds child processes (default: exec.CommandContext)
	Command CommandFunc

	// Environ is the inherited environment (default: os.Environ)
	Environ func() []string

	// LogDir receives installer logs (default: <tmp>/devrt-logs)
	LogDir string

	// Observer is shown installer progress (optional)
	Observer LineObserver

	// Archive compresses successful installer logs (optional)
	Archive Archiver

	// PollInterval is how often installer output is sampled (default: 200ms)
	PollInterval time.Duration
}

// NewProvisioner creates a provisioner for the given platform.
func NewProvisioner(p platform.Platform, logDir string) *Provisioner {
	return &Provisioner{
		Platform: p,
		Command:  exec.CommandContext,
		Environ:  os.Environ,
		LogDir:   logDir,
	}
}

// Request describes the environment to provision.
type Request struct {
	// Dir is the environment directory
	Dir string

	// Owned means devrt may delete Dir; false for host-supplied roots
	Owned bool

	// Manifest is the module's requirements.txt (may not exist)
	Manifest string

	// Interpreter creates the environment
	Interpreter string

	// Version of Interpreter, used to pin the installer
	Version interp.Version

	// BuildEnv is overlaid on the installer environment
	BuildEnv map[string]string

	// ServingPackage is added when the default entrypoint is used; empty
	// when the module declares its own entrypoint
	ServingPackage string
}

// Environment is a provisioned isolated environment.
type Environment struct {
	// Dir is the environment directory
	Dir string

	// BinDir holds the environment's executables
	BinDir string

	// Interpreter is the environment's own interpreter
	Interpreter string

	// Deltas activate the environment (VIRTUAL_ENV, PATH)
	Deltas map[string]string

	// Reused means an existing environment was kept
	Reused bool

	// Owned means Remove deletes Dir
	Owned bool

	// Packages is the recorded package set
	Packages []string

	// ManifestHash fingerprints the user manifest
	ManifestHash string

	// LogPath is the installer log (archived when the run succeeded)
	LogPath string
}

// Provision creates or reuses the environment at req.Dir and installs the
// module's dependencies into it.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Environment, error) {
	if req.Dir == "" {
		return nil, fmt.Errorf("environment directory is required")
	}

	env := &Environment{
		Dir:         req.Dir,
		BinDir:      p.Platform.ExecPath(req.Dir),
		Interpreter: p.Platform.InterpreterPath(req.Dir),
		Owned:       req.Owned,
	}

	if p.Platform.HasInterpreter(req.Dir) {
		env.Reused = true
		log.Info("Reusing environment at %s", req.Dir)
	} else {
		log.Start("Creating environment at %s", req.Dir)
		if err := p.create(ctx, req); err != nil {
			return nil, err
		}
	}

	env.Deltas = p.Deltas(req.Dir)

	manifest := req.Manifest
	if req.ServingPackage != "" && !p.Platform.InstallServingStep {
		scratch, err := deps.ScratchCopy(req.Manifest, req.ServingPackage)
		if err != nil {
			return nil, err
		}
		defer scratch.Remove()
		manifest = scratch.Path
	}

	logPath, err := p.logPath(req.Dir)
	if err != nil {
		return nil, err
	}
	env.LogPath = logPath

	installEnv := p.installerEnv(env.Deltas, req.BuildEnv)
	for _, s := range p.pipeline(req, manifest) {
		if err := p.run(ctx, s, installEnv, logPath); err != nil {
			return nil, err
		}
	}

	if env.Packages, err = p.packages(manifest, req); err != nil {
		log.Warn("Cannot read package set from %s: %v", manifest, err)
	}
	if env.ManifestHash, err = deps.Fingerprint(req.Manifest); err != nil {
		log.Warn("Cannot fingerprint %s: %v", req.Manifest, err)
	}

	if p.Archive != nil {
		if archived, err := p.Archive.Archive(logPath); err != nil {
			log.Warn("Cannot archive installer log: %v", err)
		} else {
			env.LogPath = archived
		}
	}

	rec := Record{
		Interpreter:   req.Interpreter,
		Version:       req.Version.Raw,
		ManifestHash:  env.ManifestHash,
		Packages:      env.Packages,
		ProvisionedAt: time.Now().UTC(),
	}
	if err := WriteRecord(req.Dir, rec); err != nil {
		log.Warn("Cannot write environment record: %v", err)
	}

	log.Done("Environment ready (%d packages)", len(env.Packages))
	return env, nil
}

// create runs "<interpreter> -m venv <dir>", then falls back to virtualenv.
func (p *Provisioner) create(ctx context.Context, req Request) error {
	err := p.command(ctx, req.Interpreter, "-m", "venv", req.Dir).Run()
	if err == nil {
		return nil
	}

	log.Warn("Failed to create environment with venv (%v), falling back to virtualenv", err)
	if req.Owned {
		if rmErr := os.RemoveAll(req.Dir); rmErr != nil {
			log.Warn("Cannot clean up partial environment %s: %v", req.Dir, rmErr)
		}
	}

	if err := p.command(ctx, "virtualenv", req.Dir).Run(); err != nil {
		return &CreationError{Dir: req.Dir, Err: err}
	}
	return nil
}

// Deltas returns the variables that activate the environment at dir. They
// are derived from the inherited PATH only, so repeated calls agree.
func (p *Provisioner) Deltas(dir string) map[string]string {
	inherited := lookupEnv(p.environ(), "PATH", p.Platform.IsWindows())
	return map[string]string{
		"VIRTUAL_ENV": dir,
		"PATH":        p.Platform.JoinPath(p.Platform.ExecPath(dir), inherited),
	}
}

// Remove deletes an owned environment. Unowned environments and missing
// directories are left alone.
func (p *Provisioner) Remove(env *Environment) error {
	if env == nil || !env.Owned || env.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(env.Dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove environment %s: %w", env.Dir, err)
	}
	return nil
}

func (p *Provisioner) packages(manifest string, req Request) ([]string, error) {
	parsed, err := deps.ParseRequirements(manifest)
	if err != nil {
		return nil, err
	}
	if req.ServingPackage != "" && p.Platform.InstallServingStep {
		parsed = append(parsed, deps.Dependency{Name: req.ServingPackage})
	}
	return deps.Names(parsed), nil
}

func (p *Provisioner) installerEnv(deltas, buildEnv map[string]string) []string {
	overlay := make(map[string]string, len(deltas)+len(buildEnv)+1)
	for k, v := range deltas {
		overlay[k] = v
	}
	if p.Platform.DisablesUserInstalls {
		overlay["PIP_USER"] = "false"
	}
	for k, v := range buildEnv {
		overlay[k] = v
	}
	return mergeEnv(p.environ(), overlay, p.Platform.IsWindows())
}

func (p *Provisioner) logPath(dir string) (string, error) {
	logDir := p.LogDir
	if logDir == "" {
		logDir = filepath.Join(os.TempDir(), "devrt-logs")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("cannot create log directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.log", filepath.Base(dir), time.Now().Format("20060102-150405.000"))
	return filepath.Join(logDir, name), nil
}

func (p *Provisioner) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	if p.Command != nil {
		return p.Command(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...)
}

func (p *Provisioner) environ() []string {
	if p.Environ != nil {
		return p.Environ()
	}
	return os.Environ()
}

// lookupEnv finds key in a KEY=VALUE list. Windows keys compare
// case-insensitively.
func lookupEnv(environ []string, key string, fold bool) string {
	for i := len(environ) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(environ[i], "=")
		if ok && sameKey(k, key, fold) {
			return v
		}
	}
	return ""
}

// mergeEnv overlays vars on base, replacing existing keys in place.
func mergeEnv(base []string, vars map[string]string, fold bool) []string {
	out := make([]string, 0, len(base)+len(vars))
	used := make(map[string]bool, len(vars))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		replaced := false
		for vk, vv := range vars {
			if sameKey(k, vk, fold) {
				if !used[vk] {
					out = append(out, vk+"="+vv)
					used[vk] = true
				}
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, kv)
		}
	}
	for _, k := range sortedKeys(vars) {
		if !used[k] {
			out = append(out, k+"="+vars[k])
		}
	}
	return out
}

func sameKey(a, b string, fold bool) bool {
	if fold {
		return strings.EqualFold(a, b)
	}
	return a == b
}
