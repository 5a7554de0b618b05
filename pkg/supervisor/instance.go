package supervisor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lajosnagyuk/devrt/pkg/factory"
	"github.com/lajosnagyuk/devrt/pkg/log"
	"github.com/lajosnagyuk/devrt/pkg/module"
)

const (
	defaultReadyTimeout    = 30 * time.Second
	defaultRestartDelay    = time.Second
	defaultMaxRestartDelay = 30 * time.Second
)

// exiter is implemented by proxies that report process exit.
type exiter interface {
	Done() <-chan struct{}
	ExitCode() int
}

// Instance keeps one worker running until Quit. It implements
// factory.Instance.
type Instance struct {
	spec factory.InstanceSpec
	log  *log.Logger

	// ReadyTimeout bounds the wait for the worker's port when
	// ExpectReady is set
	ReadyTimeout time.Duration

	// RestartDelay is the base delay between restarts, doubled for every
	// consecutive failure up to MaxRestartDelay
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	mu               sync.Mutex
	quit             chan struct{}
	quitOnce         sync.Once
	quitting         bool
	restarts         int
	consecutiveFails int
	lastExit         time.Time
	wg               sync.WaitGroup
}

// NewInstance wraps spec.Proxy. It matches factory.InstanceBuilder.
func NewInstance(spec factory.InstanceSpec) factory.Instance {
	return newInstance(spec)
}

func newInstance(spec factory.InstanceSpec) *Instance {
	var mod module.Configuration
	if spec.Descriptor != nil {
		mod = spec.Descriptor.Module
	}
	return &Instance{
		spec:            spec,
		log:             log.WithPrefix(instancePrefix(mod, spec.ID)),
		ReadyTimeout:    defaultReadyTimeout,
		RestartDelay:    defaultRestartDelay,
		MaxRestartDelay: defaultMaxRestartDelay,
		quit:            make(chan struct{}),
	}
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.spec.ID }

// Start starts the worker and, when readiness is expected, waits until its
// port accepts connections. A worker that exits later is restarted.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.quitting {
		i.mu.Unlock()
		return fmt.Errorf("instance %s has quit", i.spec.ID)
	}
	i.mu.Unlock()

	if err := i.spec.Proxy.Start(ctx); err != nil {
		return fmt.Errorf("instance %s: %w", i.spec.ID, err)
	}

	if i.spec.ExpectReady {
		if err := i.waitReady(ctx); err != nil {
			i.spec.Proxy.Stop()
			return err
		}
	}

	if ex, ok := i.spec.Proxy.(exiter); ok {
		i.wg.Add(1)
		go i.supervise(ex)
	}

	i.log.OK("serving on port %d", i.spec.Proxy.Port())
	return nil
}

// Quit stops the worker and waits for supervision to end. It is safe to
// call more than once.
func (i *Instance) Quit() error {
	i.mu.Lock()
	i.quitting = true
	i.mu.Unlock()
	i.quitOnce.Do(func() { close(i.quit) })

	err := i.spec.Proxy.Stop()
	i.wg.Wait()
	return err
}

// Restarts returns how many times the worker was restarted.
func (i *Instance) Restarts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.restarts
}

// Port returns the port of the current worker.
func (i *Instance) Port() int {
	return i.spec.Proxy.Port()
}

func (i *Instance) supervise(ex exiter) {
	defer i.wg.Done()

	for {
		select {
		case <-ex.Done():
		case <-i.quit:
			return
		}

		i.mu.Lock()
		if i.quitting {
			i.mu.Unlock()
			return
		}
		code := ex.ExitCode()
		if code == 0 {
			i.consecutiveFails = 0
		} else {
			i.consecutiveFails++
		}
		i.lastExit = time.Now()
		delay := i.backoff()
		i.mu.Unlock()

		i.log.Fail("worker exited %d, restarting in %v", code, delay)

		select {
		case <-time.After(delay):
		case <-i.quit:
			return
		}

		i.mu.Lock()
		if i.quitting {
			i.mu.Unlock()
			return
		}
		i.restarts++
		i.mu.Unlock()

		if err := i.spec.Proxy.Start(context.Background()); err != nil {
			i.log.Fail("%v", err)
			return
		}

		i.mu.Lock()
		quitting := i.quitting
		i.mu.Unlock()
		if quitting {
			i.spec.Proxy.Stop()
			return
		}
	}
}

// backoff returns RestartDelay * 2^(fails-1), capped. The caller holds mu.
func (i *Instance) backoff() time.Duration {
	delay := i.RestartDelay
	for n := 1; n < i.consecutiveFails && delay < i.MaxRestartDelay; n++ {
		delay *= 2
	}
	if delay > i.MaxRestartDelay {
		delay = i.MaxRestartDelay
	}
	return delay
}

// waitReady dials the worker's port until it answers.
func (i *Instance) waitReady(ctx context.Context) error {
	timeout := i.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(i.spec.Proxy.Port()))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var ex exiter
	if e, ok := i.spec.Proxy.(exiter); ok {
		ex = e
	}

	for {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}

		var exited <-chan struct{}
		if ex != nil {
			exited = ex.Done()
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("instance %s: not ready on %s within %v", i.spec.ID, addr, timeout)
		case <-exited:
			return fmt.Errorf("instance %s: worker exited %d before becoming ready", i.spec.ID, ex.ExitCode())
		case <-ticker.C:
		}
	}
}
