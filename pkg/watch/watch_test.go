package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/lajosnagyuk/devrt/pkg/module"
)

func TestWatcherBatchesEvents(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}

	batches := make(chan []string, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(dir, 100*time.Millisecond)
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx, func(_ context.Context, paths []string) {
			batches <- paths
		})
	}()

	// Give the watcher time to register
	time.Sleep(200 * time.Millisecond)

	main := filepath.Join(dir, "main.py")
	nested := filepath.Join(sub, "util.py")
	os.WriteFile(main, []byte("print(1)\n"), 0644)
	os.WriteFile(nested, []byte("x = 1\n"), 0644)
	os.WriteFile(filepath.Join(dir, ".main.py.swx"), []byte("noise"), 0644)
	os.WriteFile(filepath.Join(dir, "main.pyc"), []byte("noise"), 0644)

	var got []string
	timeout := time.After(5 * time.Second)
	for !slices.Contains(got, main) || !slices.Contains(got, nested) {
		select {
		case b := <-batches:
			got = append(got, b...)
		case <-timeout:
			t.Fatalf("missing events, got %v", got)
		}
	}

	for _, p := range got {
		if filepath.Base(p) == "main.pyc" || filepath.Base(p) == ".main.py.swx" {
			t.Errorf("noise delivered: %s", p)
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSkipDir(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, "env")
	os.Mkdir(env, 0755)
	os.WriteFile(filepath.Join(env, "pyvenv.cfg"), []byte("home = /usr\n"), 0644)
	plain := filepath.Join(dir, "lib")
	os.Mkdir(plain, 0755)

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(dir, ".git"), true},
		{filepath.Join(dir, "__pycache__"), true},
		{filepath.Join(dir, "node_modules"), true},
		{env, true},
		{plain, false},
	}
	for _, tt := range tests {
		if got := skipDir(tt.path); got != tt.want {
			t.Errorf("skipDir(%s) = %v, want %v", filepath.Base(tt.path), got, tt.want)
		}
	}
}

func TestIgnored(t *testing.T) {
	tests := map[string]bool{
		"main.py":          false,
		"app.yaml":         false,
		".main.py.swp":     true,
		"main.py~":         true,
		"main.cpython.pyc": true,
		"notes.swp":        true,
	}
	for name, want := range tests {
		if got := ignored("/app/" + name); got != want {
			t.Errorf("ignored(%s) = %v, want %v", name, got, want)
		}
	}
}

type fakeSource struct {
	path    string
	changes module.ChangeSet
	err     error
	reloads int
}

func (s *fakeSource) ConfigPath() string { return s.path }

func (s *fakeSource) CheckForUpdates() (module.ChangeSet, error) {
	s.reloads++
	return s.changes, s.err
}

type fakeTarget struct {
	configCalls int
	depCalls    int
}

func (f *fakeTarget) ConfigurationChanged(_ context.Context, changes module.ChangeSet) (bool, error) {
	f.configCalls++
	return changes.Intersects(module.RecreateChanges()), nil
}

func (f *fakeTarget) DependencyLibrariesChanged(_ context.Context, paths []string) (bool, error) {
	f.depCalls++
	for _, p := range paths {
		if filepath.Base(p) == "requirements.txt" {
			return true, nil
		}
	}
	return false, nil
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name        string
		paths       []string
		changes     module.ChangeSet
		wantReloads int
		wantConfig  int
		wantDeps    int
		wantRebuilt bool
		wantRestart bool
	}{
		{
			name: "nothing",
		},
		{
			name:        "source file",
			paths:       []string{"/app/main.py"},
			wantDeps:    1,
			wantRestart: true,
		},
		{
			name:        "env change in app.yaml",
			paths:       []string{"/app/app.yaml"},
			changes:     module.NewChangeSet(module.EnvVariablesChanged),
			wantReloads: 1,
			wantConfig:  1,
			wantDeps:    1,
			wantRestart: true,
		},
		{
			name:        "entrypoint added",
			paths:       []string{"/app/app.yaml", "/app/main.py"},
			changes:     module.NewChangeSet(module.EntrypointAdded),
			wantReloads: 1,
			wantConfig:  1,
			wantRebuilt: true,
			wantRestart: true,
		},
		{
			name:        "manifest edited",
			paths:       []string{"/app/requirements.txt"},
			changes:     module.NewChangeSet(module.ManifestModified),
			wantReloads: 1,
			wantConfig:  1,
			wantRebuilt: true,
			wantRestart: true,
		},
		{
			name:        "manifest touched without content change",
			paths:       []string{"/app/requirements.txt"},
			changes:     module.NewChangeSet(),
			wantReloads: 1,
			wantConfig:  1,
			wantDeps:    1,
			wantRebuilt: true,
			wantRestart: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{path: "/app/app.yaml", changes: tt.changes}
			target := &fakeTarget{}
			d := &Dispatcher{Source: src, Target: target}

			out, err := d.Dispatch(context.Background(), tt.paths)
			if err != nil {
				t.Fatal(err)
			}
			if src.reloads != tt.wantReloads || target.configCalls != tt.wantConfig || target.depCalls != tt.wantDeps {
				t.Errorf("reloads/config/deps = %d/%d/%d, want %d/%d/%d",
					src.reloads, target.configCalls, target.depCalls,
					tt.wantReloads, tt.wantConfig, tt.wantDeps)
			}
			if out.Reprovisioned != tt.wantRebuilt {
				t.Errorf("Reprovisioned = %v, want %v", out.Reprovisioned, tt.wantRebuilt)
			}
			if out.Restart != tt.wantRestart {
				t.Errorf("Restart = %v, want %v", out.Restart, tt.wantRestart)
			}
		})
	}
}

func TestDispatchReloadError(t *testing.T) {
	src := &fakeSource{path: "/app/app.yaml", err: errors.New("app.yaml: runtime is required")}
	target := &fakeTarget{}
	d := &Dispatcher{Source: src, Target: target}

	if _, err := d.Dispatch(context.Background(), []string{"/app/app.yaml"}); err == nil {
		t.Fatal("expected reload error")
	}
	if target.configCalls != 0 || target.depCalls != 0 {
		t.Error("target must not be called when the configuration is invalid")
	}
}
