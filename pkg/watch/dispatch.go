package watch

import (
	"context"
	"path/filepath"

	"github.com/lajosnagyuk/devrt/pkg/deps"
	"github.com/lajosnagyuk/devrt/pkg/module"
)

// ConfigSource reloads a module's configuration.
type ConfigSource interface {
	ConfigPath() string
	CheckForUpdates() (module.ChangeSet, error)
}

// Target reacts to configuration and dependency changes. *factory.Factory
// implements it.
type Target interface {
	ConfigurationChanged(ctx context.Context, changes module.ChangeSet) (bool, error)
	DependencyLibrariesChanged(ctx context.Context, paths []string) (bool, error)
}

// Outcome describes what a batch of changes did.
type Outcome struct {
	// Changes is what the configuration reload found (nil if no reload)
	Changes module.ChangeSet

	// Reprovisioned means the environment was rebuilt
	Reprovisioned bool

	// Restart means running instances are out of date
	Restart bool
}

// Dispatcher routes batches of changed paths to a module and its factory.
type Dispatcher struct {
	Source ConfigSource
	Target Target
}

// Dispatch reloads the configuration when app.yaml or the manifest changed,
// lets the target reprovision, and reports whether instances need a
// restart. Any change at all means they do.
func (d *Dispatcher) Dispatch(ctx context.Context, paths []string) (Outcome, error) {
	var out Outcome
	if len(paths) == 0 {
		return out, nil
	}
	out.Restart = true

	cfgPath := filepath.Clean(d.Source.ConfigPath())
	reload := false
	for _, p := range paths {
		if filepath.Clean(p) == cfgPath || deps.IsManifest(p) {
			reload = true
			break
		}
	}

	if reload {
		changes, err := d.Source.CheckForUpdates()
		if err != nil {
			return out, err
		}
		out.Changes = changes

		rebuilt, err := d.Target.ConfigurationChanged(ctx, changes)
		if err != nil {
			return out, err
		}
		if rebuilt {
			out.Reprovisioned = true
			return out, nil
		}
	}

	rebuilt, err := d.Target.DependencyLibrariesChanged(ctx, paths)
	out.Reprovisioned = rebuilt
	return out, err
}
