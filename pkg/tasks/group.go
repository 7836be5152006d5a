// Package tasks runs supervised background work whose failures are
// reported instead of lost.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/seedhost/pkg/log"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// ErrStopped is logged for tasks submitted after Stop
var ErrStopped = errors.New("task group stopped")

// Failure is a task that returned an error or panicked
type Failure struct {
	Task string
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("task %s: %v", f.Task, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Group runs tasks under a shared context. Panics are recovered and
// reported as failures on Errors.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	errs   chan Failure
	logger zerolog.Logger

	mu      sync.RWMutex
	stopped bool
}

// New creates a group whose tasks are cancelled when parent is done or the
// group is stopped. buffer bounds the number of unread failures kept.
func New(parent context.Context, buffer int) *Group {
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		errs:   make(chan Failure, buffer),
		logger: log.WithComponent("tasks"),
	}
}

// Go runs fn in the background
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.stopped {
		g.logger.Warn().Err(ErrStopped).Str("task", name).Msg("Task rejected")
		return
	}

	g.wg.Go(func() {
		var err error
		var catcher panics.Catcher
		catcher.Try(func() { err = fn(g.ctx) })
		if r := catcher.Recovered(); r != nil {
			err = r.AsError()
		}
		if err != nil {
			g.report(Failure{Task: name, Err: err})
		}
	})
}

// Errors delivers task failures. It is closed by Stop.
func (g *Group) Errors() <-chan Failure {
	return g.errs
}

// Stop cancels running tasks, waits for them and closes Errors
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
	close(g.errs)
}

// Wait blocks until every submitted task has returned
func (g *Group) Wait() {
	g.wg.Wait()
}

func (g *Group) report(f Failure) {
	g.logger.Error().Err(f.Err).Str("task", f.Task).Msg("Background task failed")
	select {
	case g.errs <- f:
	default:
		g.logger.Warn().Str("task", f.Task).Msg("Failure channel full, dropping")
	}
}
