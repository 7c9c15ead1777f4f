package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger captures the logging contract for background task outcomes.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Runner executes named fire-and-forget tasks on their own goroutines. Side
// effects that must not block or fail a request (analytics beacons, customer
// upserts) run here; panics are contained and every completion is logged.
type Runner struct {
	logger  Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// Option customises Runner behaviour.
type Option func(*Runner)

// WithTimeout bounds each task's execution time.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRunner constructs a Runner. A nil logger disables outcome logging.
func NewRunner(logger Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	runner := &Runner{
		logger:  logger,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner
}

// Go runs fn on its own goroutine with a detached, deadline-bounded context.
// The caller's context is not inherited: the request that spawned the task may
// complete long before the task does.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		start := time.Now()
		err := run(ctx, fn)
		fields := map[string]any{
			"task":       name,
			"durationMs": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			r.logger(ctx, "tasks.failed", fields)
			return
		}
		r.logger(ctx, "tasks.completed", fields)
	}()
}

// Wait blocks until all in-flight tasks finish. Used during shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panic: %v", rec)
		}
	}()
	return fn(ctx)
}
