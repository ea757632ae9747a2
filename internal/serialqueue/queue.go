// Package serialqueue provides single-worker task queues with strict
// submission-order execution. The crypto engine runs all ratchet-mutating
// work on two of these so that session state is only ever touched from one
// goroutine at a time.
package serialqueue

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("serialqueue: queue closed")

type task struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Queue executes submitted tasks one at a time, in submission order.
type Queue struct {
	name    string
	tasks   chan task
	closing sync.Once
	closed  chan struct{}
	drained chan struct{}
}

func New(name string, backlog int) *Queue {
	q := &Queue{
		name:    name,
		tasks:   make(chan task, backlog),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) run() {
	defer close(q.drained)
	for {
		select {
		case <-q.closed:
			return
		case t := <-q.tasks:
			t.fn(context.Background())
			close(t.done)
		}
	}
}

// Submit enqueues fn and returns without waiting for it to run.
func (q *Queue) Submit(fn func(ctx context.Context)) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.tasks <- task{fn: fn, done: make(chan struct{})}:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	}
}

// Do enqueues fn and blocks until it has run on the worker, or until ctx is
// cancelled. When ctx wins the task still runs later; it is never executed
// twice and never executed on the caller's goroutine.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context)) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case <-q.closed:
		return ErrQueueClosed
	case q.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		select {
		case <-t.done:
			return nil
		default:
			return ErrQueueClosed
		}
	}
}

// DoValue runs fn on the queue and returns its result to the caller.
func DoValue[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	var val T
	var err error
	qerr := q.Do(ctx, func(ctx context.Context) {
		val, err = fn(ctx)
	})
	if qerr != nil {
		return val, qerr
	}
	return val, err
}

// Close stops the worker. Tasks already accepted but not yet started are
// abandoned; blocked Do callers get ErrQueueClosed.
func (q *Queue) Close() {
	q.closing.Do(func() { close(q.closed) })
	<-q.drained
}
