package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lajosnagyuk/devrt/pkg/factory"
	"github.com/lajosnagyuk/devrt/pkg/module"
	"github.com/lajosnagyuk/devrt/pkg/venv"
	"github.com/lajosnagyuk/devrt/pkg/watch"
)

type fakePool struct {
	restarts int
	quits    int
}

func (p *fakePool) restart(context.Context) { p.restarts++ }
func (p *fakePool) quit() { p.quits++ }

type fixedState factory.State

func (s fixedState) State() factory.State { return factory.State(s) }

type fakeSource struct{ path string }

func (s fakeSource) ConfigPath() string { return s.path }
func (s fakeSource) CheckForUpdates() (module.ChangeSet, error) {
	return module.NewChangeSet(module.ManifestModified), nil
}

// failingTarget rebuilds with err.
type failingTarget struct{ err error }

func (t failingTarget) ConfigurationChanged(context.Context, module.ChangeSet) (bool, error) {
	return false, t.err
}

func (t failingTarget) DependencyLibrariesChanged(context.Context, []string) (bool, error) {
	return false, t.err
}

func TestOnChangeInstallFailureIsFatal(t *testing.T) {
	installErr := &venv.InstallError{Command: "/env/bin/pip install -r requirements.txt", ExitCode: 1}

	tests := []struct {
		name      string
		err       error
		state     factory.State
		wantFatal bool
		wantQuits int
	}{
		{"install failure", installErr, factory.Stale, true, 1},
		{"creation failure", &venv.CreationError{Dir: "/env", Err: errors.New("no venv")}, factory.Stale, true, 1},
		{"wrapped install failure", fmt.Errorf("rebuild: %w", installErr), factory.Stale, true, 1},
		{"other error on stale factory", errors.New("app.yaml: runtime is required"), factory.Stale, false, 1},
		{"other error keeps serving", errors.New("app.yaml: runtime is required"), factory.Provisioned, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &watch.Dispatcher{
				Source: fakeSource{path: "/app/app.yaml"},
				Target: failingTarget{err: tt.err},
			}
			pool := &fakePool{}

			err := onChange(context.Background(), d, fixedState(tt.state), pool, []string{"/app/requirements.txt"})

			if (err != nil) != tt.wantFatal {
				t.Fatalf("onChange error = %v, fatal = %v", err, tt.wantFatal)
			}
			if pool.quits != tt.wantQuits {
				t.Errorf("quits = %d, want %d", pool.quits, tt.wantQuits)
			}
			if pool.restarts != 0 {
				t.Errorf("restarted %d times after a failed rebuild", pool.restarts)
			}
		})
	}

	// The error reaching main still names the failed command
	err := onChange(context.Background(),
		&watch.Dispatcher{Source: fakeSource{path: "/app/app.yaml"}, Target: failingTarget{err: installErr}},
		fixedState(factory.Stale), &fakePool{}, []string{"/app/requirements.txt"})
	if err == nil || !strings.HasPrefix(err.Error(), `Failed to run "/env/bin/pip install -r requirements.txt"`) {
		t.Errorf("error = %v", err)
	}
}

type okTarget struct{ rebuilt bool }

func (t okTarget) ConfigurationChanged(context.Context, module.ChangeSet) (bool, error) {
	return t.rebuilt, nil
}

func (t okTarget) DependencyLibrariesChanged(context.Context, []string) (bool, error) {
	return false, nil
}

func TestOnChangeRestartsInstances(t *testing.T) {
	d := &watch.Dispatcher{Source: fakeSource{path: "/app/app.yaml"}, Target: okTarget{rebuilt: true}}
	pool := &fakePool{}

	if err := onChange(context.Background(), d, fixedState(factory.Provisioned), pool, []string{"/app/app.yaml"}); err != nil {
		t.Fatal(err)
	}
	if pool.restarts != 1 || pool.quits != 0 {
		t.Errorf("restarts/quits = %d/%d, want 1/0", pool.restarts, pool.quits)
	}
}
