package factory

import (
	"github.com/lajosnagyuk/devrt/pkg/entrypoint"
	"github.com/lajosnagyuk/devrt/pkg/environ"
	"github.com/lajosnagyuk/devrt/pkg/module"
)

// generation captures what differs between module-based (legacy) and
// entrypoint-based (modern) workers. It is chosen once per factory.
type generation interface {
	name() string
	provisions() bool
	args(f *Factory) []string
	env(f *Factory, instanceID string) map[string]string
	startMode() StartMode
	requestIDHeader() string
}

func generationFor(runtime string) generation {
	if module.IsModern(runtime) {
		return modernGeneration{}
	}
	return legacyGeneration{}
}

// modernGeneration runs the module's entrypoint inside a provisioned
// environment.
type modernGeneration struct{}

func (modernGeneration) name() string { return "modern" }

func (modernGeneration) provisions() bool { return true }

func (modernGeneration) args(f *Factory) []string {
	return entrypoint.Resolver{Platform: f.platform}.Resolve(f.module.Entrypoint())
}

func (modernGeneration) env(f *Factory, instanceID string) map[string]string {
	return f.composer().Compose(instanceID)
}

func (modernGeneration) startMode() StartMode { return StartWithEntrypoint }

func (modernGeneration) requestIDHeader() string { return RequestIDHeader }

// legacyGeneration runs the shared runtime module with the host
// interpreter. Nothing is provisioned.
type legacyGeneration struct{}

func (legacyGeneration) name() string { return "legacy" }

func (legacyGeneration) provisions() bool { return false }

func (legacyGeneration) args(f *Factory) []string {
	return entrypoint.LegacyArgs(f.interpreter, f.host.Legacy.RuntimePath, f.host.Legacy.Executable)
}

func (legacyGeneration) env(f *Factory, _ string) map[string]string {
	return f.composer().ComposeLegacy()
}

func (legacyGeneration) startMode() StartMode { return StartReverse }

func (legacyGeneration) requestIDHeader() string { return "" }

func (f *Factory) composer() *environ.Composer {
	c := &environ.Composer{
		Getter:   f.runtimeConfig,
		Module:   f.module,
		Platform: f.platform,
	}
	if f.env != nil {
		c.Deltas = f.env.Deltas
	}
	return c
}
