// Package tasks runs work detached from the originating request.
// Usage increments, spend checks, and retraining must complete even if
// the caller disconnects, so they run on a background context here
// instead of dangling goroutines tied to the request.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner executes named background tasks with panic recovery and
// completion logging.
type Runner struct {
	log *zap.Logger
	wg  sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(log *zap.Logger) *Runner {
	return &Runner{log: log}
}

// Go runs fn on a background context in its own goroutine. Errors and
// panics are logged, never propagated to the caller.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("background task panicked",
					zap.String("task", name),
					zap.Error(fmt.Errorf("panic: %v", rec)),
				)
			}
		}()

		start := time.Now()
		if err := fn(context.Background()); err != nil {
			r.log.Warn("background task failed",
				zap.String("task", name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		r.log.Debug("background task completed",
			zap.String("task", name),
			zap.Duration("duration", time.Since(start)),
		)
	}()
}

// Wait blocks until all started tasks have settled. Called during
// graceful shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}
