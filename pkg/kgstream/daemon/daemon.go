// Package daemon supervises long-running streams.
//
// A Coordinator runs each daemon in its own goroutine. When a daemon's
// runner fails, the coordinator classifies the error with the daemon's
// retry strategy and either restarts it after the strategy's backoff or
// gives up on that daemon alone. Every restart builds a fresh runner from
// the daemon's factory, so an indexing stream resumes from its persisted
// progress rather than from in-memory state. The factory is told how many
// restarts came before, so one-shot start behavior is not repeated.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	kgerrors "github.com/randalmurphal/kgstream/pkg/kgstream/errors"
	"github.com/randalmurphal/kgstream/pkg/kgstream/observability"
)

// Runner is a long-running task. Run returns nil when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Factory builds the runner for one start. restarts is 0 for the first
// start and counts the restarts made since.
type Factory func(ctx context.Context, restarts int) (Runner, error)

// PanicError captures a panic raised by a runner.
type PanicError struct {
	// Daemon is the name of the daemon that panicked.
	Daemon string
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("daemon %s panicked: %v", e.Daemon, e.Value)
}

// DefaultHealthyAfter is how long a run must last to reset the retry count.
const DefaultHealthyAfter = time.Minute

// Phase is where a daemon is in its lifecycle.
type Phase string

// Daemon phases.
const (
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseBackoff  Phase = "backoff"
	PhaseStopped  Phase = "stopped"
	PhaseGaveUp   Phase = "gave_up"
)

// Status is a snapshot of one daemon.
type Status struct {
	Name string `json:"name"`

	Phase Phase `json:"phase"`

	// Restarts counts every restart since the daemon was started.
	Restarts int `json:"restarts"`

	// Attempt counts consecutive failures since the last healthy run.
	Attempt int `json:"attempt"`

	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Daemon is one supervised task.
type Daemon struct {
	name     string
	factory  Factory
	strategy kgerrors.Strategy

	mu     sync.Mutex
	status Status
	err    error

	done chan struct{}
}

// Name returns the daemon name.
func (d *Daemon) Name() string {
	return d.name
}

// Status returns a snapshot of the daemon.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Done is closed once the daemon has stopped or given up.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Err returns the give-up error, or nil if the daemon is running or was
// stopped by cancellation.
func (d *Daemon) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Daemon) setPhase(p Phase) {
	d.mu.Lock()
	d.status.Phase = p
	d.status.Since = time.Now().UTC()
	d.mu.Unlock()
}

func (d *Daemon) recordFailure(err error, attempt int) {
	d.mu.Lock()
	d.status.LastError = err.Error()
	d.status.Attempt = attempt
	d.mu.Unlock()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHealthyAfter sets how long a run must last before its failure counts
// as a first failure again.
func WithHealthyAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.healthyAfter = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Coordinator supervises daemons.
type Coordinator struct {
	healthyAfter time.Duration
	logger       *slog.Logger
	metrics      observability.MetricsRecorder

	mu      sync.Mutex
	daemons map[string]*Daemon
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		healthyAfter: DefaultHealthyAfter,
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		daemons:      make(map[string]*Daemon),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run starts a daemon that runs until ctx is cancelled or strategy gives up.
// Starting a name that is still running returns the running daemon.
func (c *Coordinator) Run(ctx context.Context, name string, factory Factory, strategy kgerrors.Strategy) *Daemon {
	c.mu.Lock()
	if d, ok := c.daemons[name]; ok {
		select {
		case <-d.done:
		default:
			c.mu.Unlock()
			c.logger.Warn("daemon already running", slog.String("daemon", name))
			return d
		}
	}
	d := &Daemon{
		name:     name,
		factory:  factory,
		strategy: strategy,
		status:   Status{Name: name, Phase: PhaseStarting, Since: time.Now().UTC()},
		done:     make(chan struct{}),
	}
	c.daemons[name] = d
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer close(d.done)
		c.supervise(ctx, d)
	}()
	return d
}

// Daemons returns the status of every daemon ordered by name.
func (c *Coordinator) Daemons() []Status {
	c.mu.Lock()
	out := make([]Status, 0, len(c.daemons))
	for _, d := range c.daemons {
		out = append(out, d.Status())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the daemon called name.
func (c *Coordinator) Get(name string) (*Daemon, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.daemons[name]
	return d, ok
}

// Wait blocks until every daemon has stopped or given up.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) supervise(ctx context.Context, d *Daemon) {
	attempt := 0
	for {
		d.setPhase(PhaseStarting)
		started := time.Now()
		err := c.runOnce(ctx, d)

		if ctx.Err() != nil || err == nil {
			d.setPhase(PhaseStopped)
			c.logger.Info("daemon stopped", slog.String("daemon", d.name))
			return
		}

		if time.Since(started) >= c.healthyAfter {
			attempt = 0
		}
		d.recordFailure(err, attempt+1)

		decision := d.strategy.Decide(attempt, err)
		if !decision.Retry {
			restarts := d.Status().Restarts
			observability.LogDaemonGiveUp(c.logger, d.name, restarts, err)
			c.metrics.RecordRestart(context.WithoutCancel(ctx), d.name, true)

			d.mu.Lock()
			d.err = &kgerrors.GiveUpError{Op: "daemon " + d.name, Retries: attempt, Last: err}
			d.mu.Unlock()
			d.setPhase(PhaseGaveUp)
			return
		}

		observability.LogDaemonRestart(c.logger, d.name, attempt+1, decision.Delay, err)
		c.metrics.RecordRestart(ctx, d.name, false)
		d.setPhase(PhaseBackoff)
		if err := d.strategy.Sleep(ctx, decision.Delay); err != nil {
			d.setPhase(PhaseStopped)
			return
		}

		attempt++
		d.mu.Lock()
		d.status.Restarts++
		d.mu.Unlock()
	}
}

// runOnce builds a runner and runs it, converting a panic into a
// transient failure.
func (c *Coordinator) runOnce(ctx context.Context, d *Daemon) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kgerrors.Transient(&PanicError{
				Daemon: d.name,
				Value:  r,
				Stack:  string(debug.Stack()),
			}, "daemon "+d.name)
		}
	}()

	runner, err := d.factory(ctx, d.Status().Restarts)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}
	if runner == nil {
		return errors.New("create runner: factory returned nil")
	}

	d.setPhase(PhaseRunning)
	return runner.Run(ctx)
}
