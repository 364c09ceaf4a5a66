package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Prince364133/hubsnap-sub002/internal/lock"
	"github.com/Prince364133/hubsnap-sub002/internal/metrics"
)

// Runner manages and executes scheduled background tasks
type Runner struct {
	cron         *cron.Cron
	registry     *TaskRegistry
	locker       lock.Locker
	lockTTL      time.Duration
	logger       *log.Logger
	runOnStartup bool
	wg           sync.WaitGroup
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger overrides the runner logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLocker guards every task execution with a named distributed lock.
func WithLocker(locker lock.Locker) Option {
	return func(r *Runner) {
		if locker != nil {
			r.locker = locker
		}
	}
}

// WithLockTTL sets the minimum lifetime of a task lock. A lock never
// expires before the task timeout plus a minute.
func WithLockTTL(ttl time.Duration) Option {
	return func(r *Runner) {
		r.lockTTL = ttl
	}
}

// WithRunOnStartup executes every task once when Start is called.
func WithRunOnStartup(enabled bool) Option {
	return func(r *Runner) {
		r.runOnStartup = enabled
	}
}

// NewRunner creates a new task runner
func NewRunner(registry *TaskRegistry, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		locker:   lock.NoopLocker{},
		logger:   log.New(os.Stdout, "[RUNNER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	cronLogger := cron.PrintfLogger(r.logger)
	r.cron = cron.New(
		cron.WithLogger(cronLogger),
		// A tick that outlives its schedule interval is never overlapped.
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return r
}

// Schedule registers every task with cron without starting it.
func (r *Runner) Schedule(ctx context.Context) error {
	for _, name := range r.registry.Names() {
		task, _ := r.registry.Get(name)
		r.logger.Printf("Registering task: %s with schedule: %s", name, task.Schedule())

		_, err := r.cron.AddFunc(task.Schedule(), func() {
			_ = r.executeTask(ctx, task)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
	}
	return nil
}

// Start begins executing scheduled tasks and blocks until ctx is cancelled
// or a termination signal arrives.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Println("Starting task runner...")

	if err := r.Schedule(ctx); err != nil {
		return err
	}

	if r.runOnStartup {
		for _, name := range r.registry.Names() {
			task, _ := r.registry.Get(name)
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				_ = r.executeTask(ctx, task)
			}()
		}
	}

	// Start the cron scheduler
	r.cron.Start()
	r.logger.Println("Task runner started successfully")

	// Wait for shutdown signal
	return r.waitForShutdown(ctx)
}

// RunOnce executes the named task immediately under the same timeout and
// lock as a scheduled run.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown task %s", name)
	}
	return r.executeTask(ctx, task)
}

// LockTTL returns the lock lifetime for a run bounded by timeout.
func LockTTL(timeout, minimum time.Duration) time.Duration {
	return max(timeout+time.Minute, minimum)
}

// executeTask runs a single task with timeout and error handling
func (r *Runner) executeTask(ctx context.Context, task Task) error {
	r.wg.Add(1)
	defer r.wg.Done()

	lease, err := r.locker.Acquire(ctx, task.Name(), LockTTL(task.Timeout(), r.lockTTL))
	if errors.Is(err, lock.ErrNotAcquired) {
		r.logger.Printf("Task %s is running elsewhere, skipping", task.Name())
		metrics.TaskRuns.WithLabelValues(task.Name(), metrics.ResultSkipped).Inc()
		return nil
	}
	if err != nil {
		r.logger.Printf("Task %s lock failed: %v", task.Name(), err)
		metrics.TaskRuns.WithLabelValues(task.Name(), metrics.ResultError).Inc()
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Printf("Task %s lock release failed: %v", task.Name(), err)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	r.logger.Printf("Executing task: %s", task.Name())

	start := time.Now()
	err = task.Run(taskCtx)
	duration := time.Since(start)
	metrics.TaskDuration.WithLabelValues(task.Name()).Observe(duration.Seconds())

	if err != nil {
		metrics.TaskRuns.WithLabelValues(task.Name(), metrics.ResultError).Inc()
		r.logger.Printf("Task %s failed after %v: %v", task.Name(), duration, err)
		return err
	}
	metrics.TaskRuns.WithLabelValues(task.Name(), metrics.ResultOK).Inc()
	r.logger.Printf("Task %s completed successfully in %v", task.Name(), duration)
	return nil
}

// Stop gracefully shuts down the runner
func (r *Runner) Stop() {
	r.logger.Println("Stopping task runner...")

	// Stop accepting new tasks
	ctx := r.cron.Stop()

	// Wait for running tasks to complete
	r.wg.Wait()

	r.logger.Println("Task runner stopped")
	<-ctx.Done()
}

// waitForShutdown waits for termination signals
func (r *Runner) waitForShutdown(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		r.logger.Printf("Received signal: %v", sig)
		r.Stop()
		return nil
	case <-ctx.Done():
		r.logger.Println("Context cancelled")
		r.Stop()
		return nil
	}
}
