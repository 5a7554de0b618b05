// Package module loads a module's declarative configuration (app.yaml) and
// reports what changed between reloads.
package module

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lajosnagyuk/devrt/pkg/deps"
)

// DefaultService is the module name used when app.yaml names none.
const DefaultService = "default"

// Configuration is the read-only view of a module's configuration.
type Configuration interface {
	// Runtime is the runtime generation tag, e.g. "python311" or "python27"
	Runtime() string

	// Entrypoint is the declared start command (may be empty)
	Entrypoint() string

	// ConfigPath is the app.yaml the module was loaded from
	ConfigPath() string

	// ManifestPath is requirements.txt next to ConfigPath
	ManifestPath() string

	// EnvVariables are set on every worker
	EnvVariables() map[string]string

	// BuildEnvVariables are set while installing dependencies
	BuildEnvVariables() map[string]string

	ModuleName() string
	VersionID() string
	ProjectID() string
	MemoryLimitMB() int
	Threadsafe() bool
}

// AppYAML is the subset of app.yaml that devrt understands.
type AppYAML struct {
	Runtime           string            `yaml:"runtime"`
	Entrypoint        string            `yaml:"entrypoint,omitempty"`
	Service           string            `yaml:"service,omitempty"`
	Module            string            `yaml:"module,omitempty"`
	Version           string            `yaml:"version,omitempty"`
	InstanceClass     string            `yaml:"instance_class,omitempty"`
	Threadsafe        *bool             `yaml:"threadsafe,omitempty"`
	EnvVariables      map[string]string `yaml:"env_variables,omitempty"`
	BuildEnvVariables map[string]string `yaml:"build_env_variables,omitempty"`
}

// memoryLimits maps instance classes to their memory in MB.
var memoryLimits = map[string]int{
	"F1":    384,
	"F2":    768,
	"F4":    1536,
	"F4_1G": 3072,
	"B1":    384,
	"B2":    768,
	"B4":    1536,
	"B4_1G": 3072,
	"B8":    3072,
}

// Options supply identity that app.yaml does not carry.
type Options struct {
	ProjectID string
	VersionID string
}

// File is a Configuration backed by an app.yaml on disk.
type File struct {
	path string
	opts Options

	mu           sync.RWMutex
	app          AppYAML
	manifestHash string
}

// Load reads and validates the app.yaml at path.
func Load(path string, opts Options) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	app, err := readAppYAML(abs)
	if err != nil {
		return nil, err
	}

	f := &File{path: abs, opts: opts, app: *app}
	f.manifestHash, _ = deps.Fingerprint(f.ManifestPath())
	return f, nil
}

// Parse decodes app.yaml content.
func Parse(data []byte) (*AppYAML, error) {
	var app AppYAML
	if err := yaml.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("failed to parse app.yaml: %w", err)
	}

	if app.Runtime == "" {
		return nil, fmt.Errorf("app.yaml: runtime is required")
	}
	if app.InstanceClass != "" {
		if _, ok := memoryLimits[app.InstanceClass]; !ok {
			return nil, fmt.Errorf("app.yaml: unknown instance_class %q", app.InstanceClass)
		}
	}
	for k := range app.EnvVariables {
		if k == "" || strings.Contains(k, "=") {
			return nil, fmt.Errorf("app.yaml: invalid env_variables key %q", k)
		}
	}
	return &app, nil
}

func readAppYAML(path string) (*AppYAML, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read module config: %w", err)
	}
	return Parse(data)
}

// CheckForUpdates reloads app.yaml and the manifest fingerprint and returns
// what changed. The configuration is only replaced when the reload succeeds.
func (f *File) CheckForUpdates() (ChangeSet, error) {
	app, err := readAppYAML(f.path)
	if err != nil {
		return nil, err
	}
	hash, err := deps.Fingerprint(f.ManifestPath())
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	changes := Diff(f.app, *app)
	if hash != f.manifestHash {
		changes.Add(ManifestModified)
	}
	f.app = *app
	f.manifestHash = hash
	return changes, nil
}

// Diff returns the changes between two app.yaml versions.
func Diff(old, cur AppYAML) ChangeSet {
	changes := NewChangeSet()

	switch {
	case old.Entrypoint == "" && cur.Entrypoint != "":
		changes.Add(EntrypointAdded)
	case old.Entrypoint != "" && cur.Entrypoint == "":
		changes.Add(EntrypointRemoved)
	case old.Entrypoint != cur.Entrypoint:
		changes.Add(EntrypointChanged)
	}

	if !maps.Equal(old.EnvVariables, cur.EnvVariables) {
		changes.Add(EnvVariablesChanged)
	}
	if !maps.Equal(old.BuildEnvVariables, cur.BuildEnvVariables) {
		changes.Add(BuildEnvVariablesChanged)
	}
	if old.Runtime != cur.Runtime {
		changes.Add(RuntimeChanged)
	}
	return changes
}

func (f *File) snapshot() AppYAML {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.app
}

func (f *File) Runtime() string { return f.snapshot().Runtime }
func (f *File) Entrypoint() string { return f.snapshot().Entrypoint }
func (f *File) ConfigPath() string { return f.path }

func (f *File) ManifestPath() string {
	return filepath.Join(filepath.Dir(f.path), deps.RequirementsFile)
}

func (f *File) EnvVariables() map[string]string {
	return maps.Clone(f.snapshot().EnvVariables)
}

func (f *File) BuildEnvVariables() map[string]string {
	return maps.Clone(f.snapshot().BuildEnvVariables)
}

// ModuleName is the service name, falling back to the legacy module key.
func (f *File) ModuleName() string {
	app := f.snapshot()
	switch {
	case app.Service != "":
		return app.Service
	case app.Module != "":
		return app.Module
	}
	return DefaultService
}

func (f *File) VersionID() string {
	if v := f.snapshot().Version; v != "" {
		return v
	}
	if f.opts.VersionID != "" {
		return f.opts.VersionID
	}
	return "1"
}

func (f *File) ProjectID() string {
	return f.opts.ProjectID
}

// MemoryLimitMB is derived from the instance class (F1 when unset).
func (f *File) MemoryLimitMB() int {
	class := f.snapshot().InstanceClass
	if mb, ok := memoryLimits[class]; ok {
		return mb
	}
	return memoryLimits["F1"]
}

// Threadsafe defaults to true for python3 runtimes and false otherwise.
func (f *File) Threadsafe() bool {
	app := f.snapshot()
	if app.Threadsafe != nil {
		return *app.Threadsafe
	}
	return IsModern(app.Runtime)
}

// IsModern reports whether runtime uses entrypoint-based workers.
func IsModern(runtime string) bool {
	return strings.HasPrefix(runtime, "python3")
}
