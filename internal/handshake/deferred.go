package handshake

import (
	"context"
	"sync"
	"time"
)

// deferred is a one-shot task that can be cancelled before or while it runs.
type deferred struct {
	timer  *time.Timer
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// after runs fn once after d unless cancelled first.
func after(d time.Duration, fn func(ctx context.Context)) *deferred {
	ctx, cancel := context.WithCancel(context.Background())
	t := &deferred{ctx: ctx, cancel: cancel, done: make(chan struct{})}

	t.timer = time.AfterFunc(d, func() {
		defer t.finish()

		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})

	return t
}

// Cancel stops the task. A running task sees its context cancelled.
func (t *deferred) Cancel() {
	t.cancel()
	if t.timer.Stop() {
		t.finish()
	}
}

// Done is closed once the task has run or was cancelled before firing.
func (t *deferred) Done() <-chan struct{} {
	return t.done
}

func (t *deferred) finish() {
	t.once.Do(func() { close(t.done) })
}
