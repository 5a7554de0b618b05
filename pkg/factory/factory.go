// Package factory creates runtime instances for one module.
//
// A Factory owns the module's isolated environment. It validates the
// interpreter, provisions the environment, reprovisions it when the
// configuration or the dependency manifest changes, and builds a launch
// descriptor for every new instance.
//
// Basic usage:
//
//	f, err := factory.New(ctx, factory.Options{
//		Module:        mod,
//		RuntimeConfig: getter,
//		Host:          cfg,
//		Locator:       interp.NewLocator(cfg.Interpreter, platform.Current()),
//		Provisioner:   venv.NewProvisioner(platform.Current(), cfg.LogDir),
//		Proxies:       launcher,
//		Instances:     supervisor.NewInstance,
//	})
//	inst, err := f.NewInstance(ctx, "0", false)
package factory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lajosnagyuk/devrt/pkg/config"
	"github.com/lajosnagyuk/devrt/pkg/deps"
	"github.com/lajosnagyuk/devrt/pkg/entrypoint"
	"github.com/lajosnagyuk/devrt/pkg/interp"
	"github.com/lajosnagyuk/devrt/pkg/log"
	"github.com/lajosnagyuk/devrt/pkg/module"
	"github.com/lajosnagyuk/devrt/pkg/platform"
	"github.com/lajosnagyuk/devrt/pkg/store"
	"github.com/lajosnagyuk/devrt/pkg/venv"
)

// ErrNotProvisioned is returned when an instance is requested while the
// factory has no usable environment.
var ErrNotProvisioned = errors.New("factory is not provisioned")

const (
	threadsafeConcurrentRequests = 8
	maxBackgroundThreads         = 10
)

// Provisioning triggers recorded in the ledger.
const (
	TriggerStartup  = "startup"
	TriggerConfig   = "config"
	TriggerManifest = "manifest"
	TriggerManual   = "manual"
)

// Options configure a Factory.
type Options struct {
	// Module is the module's configuration (required)
	Module module.Configuration

	// RuntimeConfig is called on every composition (required)
	RuntimeConfig RuntimeConfigGetter

	// Host is the host configuration (default: config.Default())
	Host *config.Config

	// Platform conventions (default: platform.Current())
	Platform *platform.Platform

	// Locator resolves the interpreter (default: interp.NewLocator)
	Locator Locator

	// Provisioner builds environments (default: venv.NewProvisioner)
	Provisioner Provisioner

	// Proxies and Instances are needed by NewInstance only
	Proxies   ProxyBuilder
	Instances InstanceBuilder

	// Recorder receives every provisioning run (optional)
	Recorder Recorder
}

// Factory creates instances of one module.
type Factory struct {
	module        module.Configuration
	runtimeConfig RuntimeConfigGetter
	host          *config.Config
	platform      platform.Platform
	locator       Locator
	provisioner   Provisioner
	proxies       ProxyBuilder
	instances     InstanceBuilder
	recorder      Recorder
	gen           generation

	interpreter string
	version     interp.Version

	// mu serialises provisioning with instance creation
	mu    sync.Mutex
	state State
	env   *venv.Environment
}

// New validates the interpreter and, for modern runtimes, provisions the
// environment before returning.
func New(ctx context.Context, opts Options) (*Factory, error) {
	if opts.Module == nil {
		return nil, fmt.Errorf("module configuration is required")
	}
	if opts.RuntimeConfig == nil {
		return nil, fmt.Errorf("runtime config getter is required")
	}

	f := &Factory{
		module:        opts.Module,
		runtimeConfig: opts.RuntimeConfig,
		host:          opts.Host,
		locator:       opts.Locator,
		provisioner:   opts.Provisioner,
		proxies:       opts.Proxies,
		instances:     opts.Instances,
		recorder:      opts.Recorder,
		gen:           generationFor(opts.Module.Runtime()),
	}
	if f.host == nil {
		f.host = config.Default()
	}
	if opts.Platform != nil {
		f.platform = *opts.Platform
	} else {
		f.platform = platform.Current()
	}
	if f.locator == nil {
		f.locator = interp.NewLocator(f.host.Interpreter, f.platform)
	}
	if f.provisioner == nil {
		f.provisioner = venv.NewProvisioner(f.platform, f.host.LogDir)
	}

	tag := f.module.Runtime()
	f.interpreter = f.locator.Resolve(tag)

	if f.gen.provisions() || !f.host.Legacy.Executable {
		v, err := f.locator.Validate(ctx, f.interpreter, tag)
		if err != nil {
			return nil, err
		}
		f.version = v
	}

	if !f.gen.provisions() {
		f.state = Provisioned
		return f, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reprovision(ctx, TriggerStartup); err != nil {
		return nil, err
	}
	return f, nil
}

// ConfigurationChanged reprovisions when changes invalidate the
// environment (an entrypoint appeared or disappeared, or the manifest
// changed). It reports whether a reprovision ran.
func (f *Factory) ConfigurationChanged(ctx context.Context, changes module.ChangeSet) (bool, error) {
	if !f.gen.provisions() || !changes.Intersects(module.RecreateChanges()) {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Closed {
		return false, nil
	}

	log.Info("Configuration of %s changed (%s), rebuilding environment",
		f.module.ModuleName(), strings.Join(changes.List(), ", "))
	return true, f.reprovision(ctx, TriggerConfig)
}

// DependencyLibrariesChanged reports whether any of paths is a dependency
// manifest, and reprovisions if so. Legacy runtimes always report false.
func (f *Factory) DependencyLibrariesChanged(ctx context.Context, paths []string) (bool, error) {
	if !f.gen.provisions() {
		return false, nil
	}

	changed := false
	for _, p := range paths {
		if deps.IsManifest(p) {
			changed = true
			break
		}
	}
	if !changed {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Closed {
		return true, nil
	}

	log.Info("Dependencies of %s changed, rebuilding environment", f.module.ModuleName())
	return true, f.reprovision(ctx, TriggerManifest)
}

// Reprovision rebuilds the environment unconditionally.
func (f *Factory) Reprovision(ctx context.Context) error {
	if !f.gen.provisions() {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Closed {
		return ErrNotProvisioned
	}
	return f.reprovision(ctx, TriggerManual)
}

// reprovision removes the current environment and builds a new one.
// The caller holds f.mu. On failure the factory is left Stale.
func (f *Factory) reprovision(ctx context.Context, trigger string) error {
	if f.env != nil {
		if err := f.provisioner.Remove(f.env); err != nil {
			log.Warn("Cannot remove old environment: %v", err)
		}
	}
	f.env = nil
	f.state = Stale

	dir, owned, err := f.envDir()
	if err != nil {
		return err
	}

	req := venv.Request{
		Dir:         dir,
		Owned:       owned,
		Manifest:    f.module.ManifestPath(),
		Interpreter: f.interpreter,
		Version:     f.version,
		BuildEnv:    f.module.BuildEnvVariables(),
	}
	if entrypoint.IsDefault(f.module.Entrypoint()) {
		req.ServingPackage = f.platform.ServingPackage
	}

	began := time.Now()
	env, err := f.provisioner.Provision(ctx, req)
	f.record(ctx, trigger, req, env, err, time.Since(began))
	if err != nil {
		if rmErr := f.provisioner.Remove(&venv.Environment{Dir: dir, Owned: owned}); rmErr != nil {
			log.Warn("Cannot clean up failed environment: %v", rmErr)
		}
		return err
	}

	f.env = env
	f.state = Provisioned
	return nil
}

// envDir returns <venv_root>/<module> when the host supplies a root (never
// deleted), or a fresh temporary directory owned by the factory.
func (f *Factory) envDir() (string, bool, error) {
	if f.host.VenvRoot != "" {
		if err := f.host.EnsureVenvRoot(); err != nil {
			return "", false, err
		}
		return filepath.Join(f.host.VenvRoot, f.module.ModuleName()), false, nil
	}

	dir, err := os.MkdirTemp("", "devrt-venv-"+f.module.ModuleName()+"-")
	if err != nil {
		return "", false, fmt.Errorf("cannot create environment directory: %w", err)
	}
	return dir, true, nil
}

func (f *Factory) record(ctx context.Context, trigger string, req venv.Request, env *venv.Environment, provErr error, took time.Duration) {
	if f.recorder == nil {
		return
	}

	p := &store.Provision{
		Module:        f.module.ModuleName(),
		Runtime:       f.module.Runtime(),
		Trigger:       trigger,
		Dir:           req.Dir,
		Interpreter:   req.Interpreter,
		PythonVersion: req.Version.Raw,
		Duration:      took,
	}
	if env != nil {
		p.Reused = env.Reused
		p.Packages = env.Packages
		p.ManifestHash = env.ManifestHash
		p.LogPath = env.LogPath
	}
	if provErr != nil {
		p.Error = provErr.Error()
		var installErr *venv.InstallError
		if errors.As(provErr, &installErr) {
			p.LogPath = installErr.LogPath
		}
	}

	// The ledger must not fail provisioning, and a cancelled run is still
	// worth recording.
	if err := f.recorder.RecordProvision(context.WithoutCancel(ctx), p); err != nil {
		log.Warn("Cannot record provisioning run: %v", err)
	}
}

// NewInstance builds a launch descriptor for id and wraps the resulting
// proxy into an instance. It waits for an in-flight reprovision.
func (f *Factory) NewInstance(ctx context.Context, id string, expectReady bool) (Instance, error) {
	if f.proxies == nil || f.instances == nil {
		return nil, fmt.Errorf("factory has no proxy or instance builder")
	}

	desc, err := f.Describe(id)
	if err != nil {
		return nil, err
	}

	proxy, err := f.proxies.Build(desc)
	if err != nil {
		return nil, fmt.Errorf("cannot build proxy for instance %s: %w", id, err)
	}

	return f.instances(InstanceSpec{
		ID:                    id,
		Proxy:                 proxy,
		Descriptor:            desc,
		MaxConcurrentRequests: f.MaxConcurrentRequests(),
		MaxBackgroundThreads:  f.MaxBackgroundThreads(),
		ExpectReady:           expectReady,
	}), nil
}

// Describe returns the launch descriptor instance id would get.
func (f *Factory) Describe(id string) (*LaunchDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Provisioned {
		return nil, ErrNotProvisioned
	}

	return &LaunchDescriptor{
		InstanceID:      id,
		Args:            f.gen.args(f),
		Env:             f.gen.env(f, id),
		WorkDir:         filepath.Dir(f.module.ConfigPath()),
		StartMode:       f.gen.startMode(),
		RequestIDHeader: f.gen.requestIDHeader(),
		ConfigGetter:    f.instanceConfig(id),
		Module:          f.module,
	}, nil
}

// instanceConfig wraps the shared getter so every call reports id as the
// instance. The shared configuration is never modified.
func (f *Factory) instanceConfig(id string) RuntimeConfigGetter {
	getter := f.runtimeConfig
	return func() RuntimeConfig {
		rc := getter()
		rc.Environ = slices.Clone(rc.Environ)
		rc.InstanceID = id
		return rc
	}
}

// Close removes the environment if the factory owns it. It is safe to call
// more than once.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == Closed {
		return nil
	}
	f.state = Closed

	env := f.env
	f.env = nil
	if env == nil {
		return nil
	}
	return f.provisioner.Remove(env)
}

// MaxConcurrentRequests is 8 for threadsafe modules and 1 otherwise.
func (f *Factory) MaxConcurrentRequests() int {
	if f.runtimeConfig().Threadsafe {
		return threadsafeConcurrentRequests
	}
	return 1
}

// MaxBackgroundThreads is the limit on background threads per instance.
func (f *Factory) MaxBackgroundThreads() int {
	return maxBackgroundThreads
}

// State returns the provisioning state.
func (f *Factory) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Environment returns the active environment, or nil.
func (f *Factory) Environment() *venv.Environment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.env
}

// Interpreter returns the resolved host interpreter and its version.
func (f *Factory) Interpreter() (string, interp.Version) {
	return f.interpreter, f.version
}

// Generation returns "modern" or "legacy".
func (f *Factory) Generation() string {
	return f.gen.name()
}
