// Package environ composes the environment block handed to worker
// processes.
package environ

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/lajosnagyuk/devrt/pkg/platform"
)

// EnvEntry is a user-declared environment variable.
type EnvEntry struct {
	Key   string
	Value string
}

// RuntimeConfig is the per-instance runtime configuration supplied by the
// host. It is passed by value, so per-instance changes never leak.
type RuntimeConfig struct {
	APIHost    string
	APIPort    int
	AppID      string
	InstanceID string
	Environ    []EnvEntry
	Threadsafe bool
}

// RuntimeConfigGetter returns the current runtime configuration. It is
// called on every composition.
type RuntimeConfigGetter func() RuntimeConfig

// Identity is the part of a module's configuration that identifies a worker.
type Identity interface {
	Runtime() string
	ModuleName() string
	VersionID() string
	ProjectID() string
	MemoryLimitMB() int
}

// Composer builds worker environments. Precedence, lowest first: hash seed,
// identity variables, environment activation, API location, user variables.
type Composer struct {
	Getter   RuntimeConfigGetter
	Module   Identity
	Deltas   map[string]string
	Platform platform.Platform

	// LookupEnv reads the host environment (default: os.LookupEnv)
	LookupEnv func(key string) (string, bool)

	// Environ lists the host environment (default: os.Environ)
	Environ func() []string
}

// Compose returns the environment of a modern worker for instanceID.
func (c *Composer) Compose(instanceID string) map[string]string {
	rc := c.Getter()

	env := map[string]string{"PYTHONHASHSEED": "random"}

	env["GAE_ENV"] = "localdev"
	env["GAE_INSTANCE"] = instanceID
	if c.Module != nil {
		env["GAE_RUNTIME"] = c.Module.Runtime()
		env["GAE_SERVICE"] = c.Module.ModuleName()
		env["GAE_VERSION"] = c.Module.VersionID()
		env["GAE_MEMORY_MB"] = strconv.Itoa(c.Module.MemoryLimitMB())
		env["GOOGLE_CLOUD_PROJECT"] = c.Module.ProjectID()
	}

	for k, v := range c.Deltas {
		env[k] = v
	}
	if c.Platform.NeedsSystemRoot {
		if root, ok := c.lookupEnv("SYSTEMROOT"); ok {
			env["SYSTEMROOT"] = root
		}
	}

	env["API_HOST"] = rc.APIHost
	env["API_PORT"] = strconv.Itoa(rc.APIPort)
	env["GAE_APPLICATION"] = rc.AppID

	for _, kv := range rc.Environ {
		env[kv.Key] = kv.Value
	}
	return env
}

// ComposeLegacy returns the environment of a module-based worker: the host
// environment with a random hash seed and the user variables on top.
func (c *Composer) ComposeLegacy() map[string]string {
	rc := c.Getter()

	env := make(map[string]string)
	for _, kv := range c.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	env["PYTHONHASHSEED"] = "random"

	for _, kv := range rc.Environ {
		env[kv.Key] = kv.Value
	}
	return env
}

func (c *Composer) lookupEnv(key string) (string, bool) {
	if c.LookupEnv != nil {
		return c.LookupEnv(key)
	}
	return os.LookupEnv(key)
}

func (c *Composer) environ() []string {
	if c.Environ != nil {
		return c.Environ()
	}
	return os.Environ()
}

// List flattens env into sorted KEY=VALUE pairs.
func List(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
