package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner executes detached background tasks. It owns a base context so a
// future mid-pipeline cancellation only needs the base cancelled, and a
// WaitGroup so server shutdown can wait for in-flight runs.
type Runner struct {
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewRunner(logger *zap.Logger) *Runner {
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		base:   base,
		cancel: cancel,
		logger: logger,
	}
}

// Go runs fn on a new goroutine with a context derived from the runner's
// base. Panics are contained so one bad run cannot take the server down.
func (r *Runner) Go(name string, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Background task panicked",
					zap.String("task", name),
					zap.Any("panic", rec),
				)
			}
		}()
		fn(r.base)
	}()
}

// Shutdown stops accepting work implicitly by cancelling the base context
// once in-flight tasks finish, or returns ctx.Err() if waiting times out.
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}
