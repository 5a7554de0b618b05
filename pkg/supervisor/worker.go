// Package supervisor runs worker processes for runtime instances.
//
// A Worker owns one process started from a launch descriptor. An Instance
// wraps a Worker and keeps it alive: it restarts crashed workers with
// exponential backoff until it is told to quit.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lajosnagyuk/devrt/pkg/entrypoint"
	"github.com/lajosnagyuk/devrt/pkg/environ"
	"github.com/lajosnagyuk/devrt/pkg/factory"
	"github.com/lajosnagyuk/devrt/pkg/log"
	"github.com/lajosnagyuk/devrt/pkg/module"
	"github.com/lajosnagyuk/devrt/pkg/platform"
)

// ErrAlreadyRunning is returned when Start is called on a running worker.
var ErrAlreadyRunning = errors.New("worker is already running")

// WorkerState is the lifecycle state of a worker process.
type WorkerState string

const (
	StateStopped  WorkerState = "stopped"
	StateStarting WorkerState = "starting"
	StateRunning  WorkerState = "running"
	StateFailed   WorkerState = "failed"
)

const (
	defaultStopTimeout = 10 * time.Second
	defaultPortTimeout = 30 * time.Second
)

// Launcher builds workers. It implements factory.ProxyBuilder.
type Launcher struct {
	Platform platform.Platform

	// Stdout and Stderr receive worker output (default: os.Stdout, os.Stderr)
	Stdout io.Writer
	Stderr io.Writer

	// StopTimeout is how long a worker gets between the polite and the
	// forced stop
	StopTimeout time.Duration

	// PortTimeout bounds how long a reverse-started worker may take to
	// report its port
	PortTimeout time.Duration
}

// NewLauncher returns a launcher for p.
func NewLauncher(p platform.Platform) *Launcher {
	return &Launcher{
		Platform:    p,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		StopTimeout: defaultStopTimeout,
		PortTimeout: defaultPortTimeout,
	}
}

// Build returns a stopped worker for desc.
func (l *Launcher) Build(desc *factory.LaunchDescriptor) (factory.Proxy, error) {
	if desc == nil || len(desc.Args) == 0 {
		return nil, fmt.Errorf("launch descriptor has no command")
	}
	return &Worker{
		desc:     desc,
		launcher: l,
		log:      log.WithPrefix(instancePrefix(desc.Module, desc.InstanceID)),
		state:    StateStopped,
	}, nil
}

// instancePrefix tags log lines as [module/instance].
func instancePrefix(mod module.Configuration, id string) string {
	if mod == nil {
		return "[" + id + "]"
	}
	return "[" + mod.ModuleName() + "/" + id + "]"
}

// Worker is one worker process.
type Worker struct {
	desc     *factory.LaunchDescriptor
	launcher *Launcher
	log      *log.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	port     int
	state    WorkerState
	done     chan struct{}
	exitCode int
	started  time.Time
}

// Start launches the process. Entrypoint workers get a free port up front;
// reverse workers report theirs on the first line of stdout.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateRunning || w.state == StateStarting {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.state = StateStarting
	w.mu.Unlock()

	port, err := w.start(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.state = StateFailed
		return err
	}
	w.port = port
	if w.state == StateStarting {
		w.state = StateRunning
	}
	return nil
}

func (w *Worker) start(ctx context.Context) (int, error) {
	env := maps.Clone(w.desc.Env)
	if env == nil {
		env = make(map[string]string)
	}

	args := w.desc.Args
	port := 0
	if w.desc.StartMode == factory.StartWithEntrypoint {
		p, err := freePort()
		if err != nil {
			return 0, fmt.Errorf("cannot assign a port: %w", err)
		}
		port = p
		args = entrypoint.Expand(args, port)
		env["PORT"] = strconv.Itoa(port)
	}

	cmd := w.command(args, env["PATH"])
	cmd.Dir = w.desc.WorkDir
	cmd.Env = environ.List(env)
	cmd.Stderr = w.launcher.stderr()
	setProcessGroup(cmd)

	var portLine *os.File
	if w.desc.StartMode == factory.StartReverse {
		r, pw, err := os.Pipe()
		if err != nil {
			return 0, err
		}
		cmd.Stdout = pw
		portLine = r
		defer pw.Close()
	} else {
		cmd.Stdout = w.launcher.stdout()
	}

	if err := cmd.Start(); err != nil {
		if portLine != nil {
			portLine.Close()
		}
		return 0, fmt.Errorf("cannot start %s: %w", args[0], err)
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.cmd = cmd
	w.done = done
	w.started = time.Now()
	w.mu.Unlock()

	go w.wait(cmd, done)

	w.log.VInfo("started %s (pid %d)", args[0], cmd.Process.Pid)

	if portLine == nil {
		return port, nil
	}

	port, err := w.readPort(ctx, portLine, done)
	if err != nil {
		w.Stop()
		return 0, err
	}
	return port, nil
}

// command wraps args in a shell when they begin with "exec" on platforms
// that can run it. Otherwise args[0] is looked up on the worker's own PATH
// first, so binaries installed in the environment win over the host's.
func (w *Worker) command(args []string, pathList string) *exec.Cmd {
	if !w.launcher.Platform.IsWindows() && entrypoint.HasWrapper(args) {
		return exec.Command("sh", "-c", strings.Join(args, " "))
	}
	cmd := exec.Command(args[0], args[1:]...)
	if path, ok := lookPathIn(args[0], pathList, w.launcher.Platform.PathListSeparator); ok {
		cmd.Path = path
		cmd.Err = nil
	}
	return cmd
}

// lookPathIn finds an executable name in the directories of pathList.
// Names that already carry a directory are left to exec.
func lookPathIn(name, pathList, sep string) (string, bool) {
	if pathList == "" || sep == "" || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	for _, dir := range strings.Split(pathList, sep) {
		if dir == "" {
			continue
		}
		if path, err := exec.LookPath(filepath.Join(dir, name)); err == nil {
			return path, true
		}
	}
	return "", false
}

// readPort reads the port a reverse worker reports, then forwards the rest
// of its stdout.
func (w *Worker) readPort(ctx context.Context, r *os.File, done <-chan struct{}) (int, error) {
	type result struct {
		port int
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		br := bufio.NewReader(r)
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			r.Close()
			ch <- result{err: fmt.Errorf("worker closed stdout before reporting a port")}
			return
		}
		port, perr := strconv.Atoi(strings.TrimSpace(line))
		if perr != nil || port <= 0 || port > 65535 {
			r.Close()
			ch <- result{err: fmt.Errorf("worker reported an invalid port %q", strings.TrimSpace(line))}
			return
		}
		ch <- result{port: port}

		io.Copy(w.launcher.stdout(), br)
		r.Close()
	}()

	timeout := w.launcher.PortTimeout
	if timeout <= 0 {
		timeout = defaultPortTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.port, res.err
	case <-done:
		return 0, fmt.Errorf("worker exited before reporting a port")
	case <-timer.C:
		return 0, fmt.Errorf("worker did not report a port within %v", timeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (w *Worker) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	w.mu.Lock()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	w.exitCode = code
	ran := time.Since(w.started)
	if code == 0 {
		w.state = StateStopped
	} else {
		w.state = StateFailed
	}
	w.cmd = nil
	w.mu.Unlock()

	close(done)

	w.log.Exec(log.ExecEvent{
		Name:     "worker",
		Duration: ran,
		ExitCode: code,
	})
}

// Stop terminates the process group politely, then forcibly after the
// launcher's stop timeout. Stopping a stopped worker is a no-op.
func (w *Worker) Stop() error {
	w.mu.Lock()
	cmd := w.cmd
	done := w.done
	w.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	if err := terminate(cmd); err != nil {
		// Already gone
		<-done
		return nil
	}

	timeout := w.launcher.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	select {
	case <-done:
	case <-time.After(timeout):
		w.log.Warn("force killing (pid %d) after %v", pid, timeout)
		kill(cmd)
		<-done
	}
	return nil
}

// Port returns the port the worker serves on, or 0 before Start.
func (w *Worker) Port() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.port
}

// Done is closed when the current process exits. It is nil before Start.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// State returns the worker state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ExitCode returns the exit code of the last process.
func (w *Worker) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

// PID returns the pid of the running process, or 0.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func (l *Launcher) stdout() io.Writer {
	if l.Stdout == nil {
		return os.Stdout
	}
	return l.Stdout
}

func (l *Launcher) stderr() io.Writer {
	if l.Stderr == nil {
		return os.Stderr
	}
	return l.Stderr
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
