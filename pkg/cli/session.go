package cli

import (
	"context"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lajosnagyuk/devrt/pkg/config"
	"github.com/lajosnagyuk/devrt/pkg/factory"
	"github.com/lajosnagyuk/devrt/pkg/interp"
	"github.com/lajosnagyuk/devrt/pkg/log"
	"github.com/lajosnagyuk/devrt/pkg/module"
	"github.com/lajosnagyuk/devrt/pkg/platform"
	"github.com/lajosnagyuk/devrt/pkg/storage"
	"github.com/lajosnagyuk/devrt/pkg/store"
	"github.com/lajosnagyuk/devrt/pkg/supervisor"
	"github.com/lajosnagyuk/devrt/pkg/venv"
)

// session is everything one command needs to run a module.
type session struct {
	host     *config.Config
	module   *module.File
	ledger   *store.Store
	logs     *storage.LogArchive
	launcher *supervisor.Launcher
	factory  *factory.Factory
}

// moduleFlags are shared by the commands that load an app.yaml.
type moduleFlags struct {
	project  string
	version  string
	venvRoot string
}

func (f *moduleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.project, "project", "", "Project id advertised to workers (default: from app_id)")
	cmd.Flags().StringVar(&f.version, "version-id", "", "Version id when app.yaml names none")
	cmd.Flags().StringVar(&f.venvRoot, "venv-root", "", "Keep environments under this directory")
}

// openSession loads host and module configuration and builds the factory,
// provisioning the environment.
func openSession(ctx context.Context, cmd *cobra.Command, appPath string, flags moduleFlags) (*session, error) {
	host, err := loadHost(cmd)
	if err != nil {
		return nil, err
	}
	if flags.venvRoot != "" {
		host.VenvRoot = flags.venvRoot
	}

	project := flags.project
	if project == "" {
		project = projectFromAppID(host.AppID)
	}
	mod, err := module.Load(appPath, module.Options{ProjectID: project, VersionID: flags.version})
	if err != nil {
		return nil, err
	}

	s := &session{host: host, module: mod}
	p := platform.Current()

	prov := venv.NewProvisioner(p, host.LogDir)
	prov.Observer = log.StdLiveness()
	if logs, err := storage.NewLogArchive(host.LogDir); err != nil {
		log.Warn("Installer logs will not be archived: %v", err)
	} else {
		s.logs = logs
		prov.Archive = logs
	}

	s.launcher = supervisor.NewLauncher(p)

	opts := factory.Options{
		Module:        mod,
		RuntimeConfig: runtimeConfig(host, mod),
		Host:          host,
		Platform:      &p,
		Locator:       interp.NewLocator(host.Interpreter, p),
		Provisioner:   prov,
		Proxies:       s.launcher,
		Instances:     supervisor.NewInstance,
	}

	// The ledger is optional; provisioning works without it
	if ledger, err := store.Open(host.StateDB); err != nil {
		log.Warn("Provisioning history disabled: %v", err)
	} else {
		s.ledger = ledger
		opts.Recorder = ledger
	}

	log.Start("Preparing %s (%s)", mod.ModuleName(), mod.Runtime())
	f, err := factory.New(ctx, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.factory = f
	log.Done("%s ready", mod.ModuleName())
	return s, nil
}

// Close releases the factory and the ledger.
func (s *session) Close() {
	if s.factory != nil {
		if err := s.factory.Close(); err != nil {
			log.Warn("Cannot remove environment: %v", err)
		}
	}
	if s.ledger != nil {
		s.ledger.Close()
	}
}

// runtimeConfig returns a getter that reflects the module's current
// configuration on every call.
func runtimeConfig(host *config.Config, mod module.Configuration) factory.RuntimeConfigGetter {
	return func() factory.RuntimeConfig {
		vars := mod.EnvVariables()
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		entries := make([]factory.EnvEntry, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, factory.EnvEntry{Key: k, Value: vars[k]})
		}

		return factory.RuntimeConfig{
			APIHost:    host.API.Host,
			APIPort:    host.API.Port,
			AppID:      host.AppID,
			Environ:    entries,
			Threadsafe: mod.Threadsafe(),
		}
	}
}

// projectFromAppID strips the partition prefix, "dev~app" -> "app".
func projectFromAppID(appID string) string {
	if _, after, ok := strings.Cut(appID, "~"); ok {
		return after
	}
	return appID
}
