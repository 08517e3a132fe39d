package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// tasks owns the background work spawned by requests (confirmation watchers, reconciliation passes). Failures and
// panics are logged and never reach the request that spawned the task.
type tasks struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger

	mu      sync.Mutex
	stopped bool
}

func newTasks(log *zap.Logger) *tasks {
	ctx, cancel := context.WithCancel(context.Background())

	return &tasks{ctx: ctx, cancel: cancel, log: log}
}

// Go runs fn in its own goroutine. The context passed to fn is cancelled by stop. It returns false when the
// supervisor has already been stopped.
func (t *tasks) Go(name string, fn func(ctx context.Context) error, fields ...zap.Field) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		t.log.Warn("task not started, shutting down", append(fields, zap.String("task", name))...)

		return false
	}

	t.wg.Add(1)

	go func() {
		defer t.wg.Done()

		defer func() {
			if r := recover(); r != nil {
				t.log.Error("task panicked", append(fields, zap.String("task", name),
					zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))...)
			}
		}()

		if err := fn(t.ctx); err != nil {
			t.log.Warn("task failed", append(fields, zap.String("task", name), zap.Error(err))...)
		}
	}()

	return true
}

// stop refuses new tasks, waits up to grace for the running ones and then cancels them. It returns once every task
// has returned.
func (t *tasks) stop(grace time.Duration) {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	done := make(chan struct{})

	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		t.cancel()
		<-done
	}

	t.cancel()
}

// wait blocks until every running task has returned. Used by tests.
func (t *tasks) wait() {
	t.wg.Wait()
}
