package client

import (
	"context"
	"errors"
	"sync"
)

const defaultLoopBuffer = 256

// ErrLoopStopped is returned when work is submitted to a loop that is no longer running.
var ErrLoopStopped = errors.New("client: event loop stopped")

// Loop serializes every client state mutation onto one goroutine. Socket
// readers, dial attempts and timers run elsewhere and only Post results here.
type Loop struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// NewLoop returns a loop whose task queue holds buffer pending tasks.
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = defaultLoopBuffer
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Post queues task for execution on the loop. It blocks while the queue is
// full and returns false once the loop has stopped. Tasks already running on
// the loop must not Post and wait on the result.
func (l *Loop) Post(task func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- task:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopStopped
	}
}

// Run executes queued tasks until ctx is cancelled. Tasks still queued at
// that point are discarded.
func (l *Loop) Run(ctx context.Context) {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-l.tasks:
			task()
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}
