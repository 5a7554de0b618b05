package venv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lajosnagyuk/devrt/pkg/log"
)

const (
	defaultPollInterval = 200 * time.Millisecond

	// tailSize bounds how much of the log is read per poll
	tailSize = 4096
)

// step is one installer invocation.
type step struct {
	name string
	args []string
}

func (s step) String() string {
	return strings.Join(append([]string{s.name}, s.args...), " ")
}

// pipeline returns the installer steps for req, in order. manifest is the
// effective manifest (a scratch copy when the serving package was appended).
func (p *Provisioner) pipeline(req Request, manifest string) []step {
	pip := p.Platform.InstallerPath(req.Dir)

	// pip 21 dropped support for interpreters older than 3.6
	installer := "pip"
	if req.Version.Before("3.6") {
		installer = "pip<21"
	}

	var steps []step
	if p.Platform.UpgradeViaInterpreter {
		steps = append(steps, step{
			name: p.Platform.InterpreterPath(req.Dir),
			args: []string{"-m", "pip", "install", "--upgrade", installer},
		})
	} else {
		steps = append(steps, step{name: pip, args: []string{"install", "--upgrade", installer}})
	}

	if _, err := os.Stat(manifest); err == nil {
		steps = append(steps, step{name: pip, args: []string{"install", "-r", manifest}})
	} else {
		log.Warn("No requirements file at %s, skipping dependency install", manifest)
	}

	if p.Platform.InstallServingStep && req.ServingPackage != "" {
		steps = append(steps, step{name: pip, args: []string{"install", req.ServingPackage}})
	}

	return steps
}

// run executes one step with its output appended to logPath and reports
// progress to the observer until the child exits.
func (p *Provisioner) run(ctx context.Context, s step, environ []string, logPath string) error {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("cannot open installer log: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "$ %s\n", s)
	var start int64
	if info, err := f.Stat(); err == nil {
		start = info.Size()
	}

	command := s.String()
	cmd := p.command(ctx, s.name, s.args...)
	cmd.Env = environ
	cmd.Stdout = f
	cmd.Stderr = f

	log.VInfo("Running %s", command)
	began := time.Now()
	if err := cmd.Start(); err != nil {
		return &InstallError{Command: command, ExitCode: -1, LogPath: logPath, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	waitErr := p.follow(ctx, command, logPath, start, done)
	code := exitCode(waitErr)
	p.observer().Finish(command, code)
	log.LogExec(log.ExecEvent{Name: command, Duration: time.Since(began), ExitCode: code})

	if waitErr != nil {
		return &InstallError{
			Command:  command,
			ExitCode: code,
			LogPath:  logPath,
			Hint:     interpretPipOutput(readTail(logPath, start)),
			Err:      waitErr,
		}
	}
	return nil
}

// follow samples the log while the child runs and hands the newest
// non-blank line to the observer. It returns the child's exit error.
func (p *Provisioner) follow(ctx context.Context, command, logPath string, start int64, done <-chan error) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	obs := p.observer()

	var last string
	for {
		select {
		case err := <-done:
			return err
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			// The context kills the child; wait for it to go.
			return <-done
		}

		if line := lastLine(readTail(logPath, start)); line != "" && line != last {
			obs.Line(command, line)
			last = line
		}
	}
}

func (p *Provisioner) observer() LineObserver {
	if p.Observer != nil {
		return p.Observer
	}
	return discardObserver{}
}

type discardObserver struct{}

func (discardObserver) Line(string, string) {}
func (discardObserver) Finish(string, int) {}

// readTail returns at most tailSize bytes of the log written after start.
func readTail(path string, start int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	from := info.Size() - tailSize
	if from < start {
		from = start
	}
	if from >= info.Size() {
		return ""
	}

	buf := make([]byte, info.Size()-from)
	n, err := f.ReadAt(buf, from)
	if err != nil && err != io.EOF {
		return ""
	}
	return string(buf[:n])
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
