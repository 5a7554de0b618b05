package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lajosnagyuk/devrt/pkg/factory"
	"github.com/lajosnagyuk/devrt/pkg/log"
	"github.com/lajosnagyuk/devrt/pkg/scheduler"
	"github.com/lajosnagyuk/devrt/pkg/venv"
	"github.com/lajosnagyuk/devrt/pkg/watch"
)

func newServeCmd() *cobra.Command {
	var (
		mf        moduleFlags
		instances int
		debounce  time.Duration
		noWatch   bool
	)

	cmd := &cobra.Command{
		Use:   "serve <app.yaml>",
		Short: "Provision the module and serve it",
		Long: `Build the module's environment, start its instances, and keep them
running. Changes to app.yaml, requirements.txt, or the source tree restart the
instances; changes that invalidate the environment rebuild it first.

Examples:
  devrt serve app.yaml
  devrt serve app.yaml --instances 2
  devrt serve app.yaml --venv-root ~/.devrt/venvs   # keep the environment`,

		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if instances < 1 {
				return fmt.Errorf("--instances must be at least 1")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx, cmd, args[0], mf)
			if err != nil {
				return err
			}
			defer s.Close()

			pool := &instancePool{factory: s.factory, size: instances}
			if err := pool.start(ctx); err != nil {
				return err
			}
			defer pool.quit()

			if sched := maintenance(s); sched != nil {
				if err := sched.Start(ctx); err != nil {
					log.Warn("Maintenance disabled: %v", err)
				} else {
					defer sched.Stop()
				}
			}

			if noWatch {
				<-ctx.Done()
				log.Info("Stopping...")
				return nil
			}

			d := &watch.Dispatcher{Source: s.module, Target: s.factory}
			w := watch.New(filepath.Dir(s.module.ConfigPath()), debounce)
			log.Info("Watching %s", w.Dir)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			var fatal error
			err = w.Run(runCtx, func(ctx context.Context, paths []string) {
				if err := onChange(ctx, d, s.factory, pool, paths); err != nil {
					fatal = err
					cancel()
				}
			})
			if fatal != nil {
				return fatal
			}
			log.Info("Stopping...")
			return err
		},
	}

	mf.register(cmd)
	cmd.Flags().IntVar(&instances, "instances", 1, "Number of instances to run")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "Quiet period after changes before reacting")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch for changes")

	return cmd
}

// rebuilder is the part of the watch pipeline onChange drives.
type rebuilder interface {
	Dispatch(ctx context.Context, paths []string) (watch.Outcome, error)
}

// workerPool is the set of running instances onChange restarts.
type workerPool interface {
	restart(ctx context.Context)
	quit()
}

// onChange handles one batch of changed files. An environment that cannot
// be built is fatal: the instances are stopped and the error is returned so
// serve exits. Other errors are logged and serving continues.
func onChange(ctx context.Context, d rebuilder, f interface{ State() factory.State }, pool workerPool, paths []string) error {
	out, err := d.Dispatch(ctx, paths)
	if err != nil {
		if errors.Is(err, venv.ErrInstall) || errors.Is(err, venv.ErrEnvironmentCreation) {
			pool.quit()
			return err
		}
		log.Fail("%v", err)
		if f.State() == factory.Stale {
			// The old environment is gone
			pool.quit()
		}
		return nil
	}
	if out.Reprovisioned {
		log.OK("Environment rebuilt")
	}
	if out.Restart {
		pool.restart(ctx)
	}
	return nil
}

// maintenance builds the cleanup scheduler for the session's ledger and
// logs, or nil when there is nothing to clean.
func maintenance(s *session) *scheduler.Scheduler {
	retention := s.host.Maintenance.Retention.Duration
	if retention <= 0 {
		return nil
	}

	var tasks []scheduler.Task
	if s.ledger != nil {
		tasks = append(tasks, scheduler.PruneLedger(s.ledger, retention))
	}
	if s.logs != nil {
		tasks = append(tasks, scheduler.PruneLogs(s.logs, retention))
	}
	if len(tasks) == 0 {
		return nil
	}

	sched, err := scheduler.New(s.host.Maintenance.Schedule, tasks...)
	if err != nil {
		log.Warn("Maintenance disabled: %v", err)
		return nil
	}
	return sched
}

// instancePool runs a fixed number of instances of one factory.
type instancePool struct {
	factory *factory.Factory
	size    int

	mu        sync.Mutex
	instances []factory.Instance
}

func (p *instancePool) start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		inst, err := p.factory.NewInstance(ctx, strconv.Itoa(i), true)
		if err != nil {
			p.quitLocked()
			return err
		}
		if err := inst.Start(ctx); err != nil {
			p.quitLocked()
			return err
		}
		p.instances = append(p.instances, inst)
	}
	return nil
}

// restart replaces every instance. A factory left stale by a failed
// rebuild keeps the pool empty until the next change fixes it.
func (p *instancePool) restart(ctx context.Context) {
	p.quit()
	if err := p.start(ctx); err != nil {
		log.Fail("Cannot start instances: %v", err)
	}
}

func (p *instancePool) quit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quitLocked()
}

func (p *instancePool) quitLocked() {
	for _, inst := range p.instances {
		if err := inst.Quit(); err != nil {
			log.Warn("instance %s: %v", inst.ID(), err)
		}
	}
	p.instances = nil
}
