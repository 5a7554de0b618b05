package factory

import (
	"context"

	"github.com/lajosnagyuk/devrt/pkg/environ"
	"github.com/lajosnagyuk/devrt/pkg/interp"
	"github.com/lajosnagyuk/devrt/pkg/module"
	"github.com/lajosnagyuk/devrt/pkg/store"
	"github.com/lajosnagyuk/devrt/pkg/venv"
)

// Runtime configuration types, shared with the environment composer.
type (
	RuntimeConfig       = environ.RuntimeConfig
	RuntimeConfigGetter = environ.RuntimeConfigGetter
	EnvEntry            = environ.EnvEntry
)

// RequestIDHeader carries the request ticket to modern workers.
const RequestIDHeader = "X-Appengine-Api-Ticket"

// StartMode selects how a proxy starts its worker.
type StartMode int

const (
	// StartWithEntrypoint runs the worker's own server on an assigned port
	StartWithEntrypoint StartMode = iota

	// StartReverse lets the worker report the port it listens on
	StartReverse
)

func (m StartMode) String() string {
	switch m {
	case StartWithEntrypoint:
		return "entrypoint"
	case StartReverse:
		return "reverse"
	default:
		return "unknown"
	}
}

// LaunchDescriptor is everything needed to start one worker process. It is
// built fresh for every instance.
type LaunchDescriptor struct {
	InstanceID      string
	Args            []string
	Env             map[string]string
	WorkDir         string
	StartMode       StartMode
	RequestIDHeader string
	ConfigGetter    RuntimeConfigGetter
	Module          module.Configuration
}

// Proxy owns a worker process.
type Proxy interface {
	Start(ctx context.Context) error
	Port() int
	Stop() error
}

// ProxyBuilder turns a descriptor into a proxy.
type ProxyBuilder interface {
	Build(desc *LaunchDescriptor) (Proxy, error)
}

// InstanceSpec is handed to the InstanceBuilder.
type InstanceSpec struct {
	ID                    string
	Proxy                 Proxy
	Descriptor            *LaunchDescriptor
	MaxConcurrentRequests int
	MaxBackgroundThreads  int
	ExpectReady           bool
}

// Instance is a lifecycle wrapper around a proxy.
type Instance interface {
	ID() string
	Start(ctx context.Context) error
	Quit() error
}

// InstanceBuilder wraps a proxy into an instance.
type InstanceBuilder func(spec InstanceSpec) Instance

// Recorder persists provisioning runs.
type Recorder interface {
	RecordProvision(ctx context.Context, p *store.Provision) error
}

// Locator finds and validates the interpreter.
type Locator interface {
	Resolve(runtimeTag string) string
	Validate(ctx context.Context, path, runtimeTag string) (interp.Version, error)
}

// Provisioner builds and removes isolated environments.
type Provisioner interface {
	Provision(ctx context.Context, req venv.Request) (*venv.Environment, error)
	Remove(env *venv.Environment) error
}

// State is the provisioning state of a factory.
type State int

const (
	Stale State = iota
	Provisioned
	Closed
)

func (s State) String() string {
	switch s {
	case Stale:
		return "stale"
	case Provisioned:
		return "provisioned"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
