// Package scheduler runs periodic maintenance: pruning old installer logs
// and provisioning ledger rows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lajosnagyuk/devrt/pkg/log"
)

// parser accepts five-field expressions and descriptors such as @hourly.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Task is one unit of maintenance.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs its tasks on a cron schedule. Runs never overlap.
type Scheduler struct {
	schedule string
	tasks    []Task
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
	entry   cron.EntryID
	cancel  context.CancelFunc
	runMu   sync.Mutex
	lastRun time.Time
}

// New returns a stopped scheduler.
func New(schedule string, tasks ...Task) (*Scheduler, error) {
	if _, err := ParseSchedule(schedule); err != nil {
		return nil, err
	}
	return &Scheduler{
		schedule: schedule,
		tasks:    tasks,
		cron:     cron.New(cron.WithParser(parser)),
	}, nil
}

// Start schedules the tasks. They stop when ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	entry, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunNow(ctx); err != nil {
			log.Warn("maintenance: %v", err)
		}
	})
	if err != nil {
		cancel()
		return err
	}

	s.entry = entry
	s.cancel = cancel
	s.running = true
	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.VInfo("maintenance scheduled (%s, %d tasks)", s.schedule, len(s.tasks))
	return nil
}

// Stop stops scheduling and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.cron.Remove(s.entry)
	cancel()
}

// RunNow runs every task once, in order. A failing task does not stop the
// others; their errors are joined.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var errs []error
	for _, t := range s.tasks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		began := time.Now()
		err := t.Run(ctx)
		log.LogExec(log.ExecEvent{
			Name:     t.Name,
			Duration: time.Since(began),
			Error:    err,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	s.lastRun = time.Now()
	return errors.Join(errs...)
}

// LastRun returns when the last pass finished.
func (s *Scheduler) LastRun() time.Time {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastRun
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Next returns the next scheduled run after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	sched, err := ParseSchedule(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(now)
}
