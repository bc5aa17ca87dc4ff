// Package shutdown provides the broadcast cancellation signal and task
// tracking used to coordinate graceful server teardown.
//
// Every long-running task holds a Token and selects on Token.Done. A task
// started via Token.Go that exits with an error cancels the Token, bringing
// the rest of the server down with it: a degraded broker or persistence
// writer must not keep running alone.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Token is a broadcast, idempotent, re-observable cancellation signal.
// Copies share the same underlying signal and tracker.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// Tracker waits for all tasks started through the paired Token.
type Tracker struct {
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// New derives a Token/Tracker pair from parent. Cancelling the parent
// context cancels the Token as well.
func New(parent context.Context) (Token, *Tracker) {
	ctx, cancel := context.WithCancel(parent)
	wg := &sync.WaitGroup{}
	return Token{ctx: ctx, cancel: cancel, wg: wg}, &Tracker{cancel: cancel, wg: wg}
}

// Done returns the channel closed when shutdown has been requested.
func (t Token) Done() <-chan struct{} { return t.ctx.Done() }

// Cancelled reports whether shutdown has been requested.
func (t Token) Cancelled() bool { return t.ctx.Err() != nil }

// Context exposes the underlying context for blocking operations that
// should abort on shutdown.
func (t Token) Context() context.Context { return t.ctx }

// Cancel requests shutdown. Safe to call from any task, any number of times.
func (t Token) Cancel() { t.cancel() }

// Go runs fn as a tracked task. If fn returns a non-nil error the task is
// considered to have failed fatally and shutdown is triggered for everyone
// else. A nil error is a clean exit and does not cancel the Token.
func (t Token) Go(name string, log *slog.Logger, fn func(Token) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := fn(t); err != nil {
			log.Error("task.fatal", "task", name, "err", err)
			t.cancel()
			return
		}
		log.Info("task.done", "task", name)
	}()
}

// Cancel requests shutdown from the coordinator side.
func (tr *Tracker) Cancel() { tr.cancel() }

// Wait blocks until every tracked task has exited or timeout elapses.
// It returns true when all tasks drained in time. Callers proceed with
// teardown either way; the timeout makes shutdown best-effort, not hung.
func (tr *Tracker) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		tr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
