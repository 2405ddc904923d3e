package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Job is a unit of work run on the executor's goroutine. ctx is the
// submitter's context; pass it to the State's *Context methods so
// cancelling the submitter interrupts the script.
type Job func(ctx context.Context, s *State) error

type call struct {
	ctx    context.Context
	job    Job
	result chan error
}

// Executor serializes all work on a State through a single goroutine.
//
// Usage:
//
//	exec := NewExecutor(state, 16)
//	go exec.Run(ctx)
//	defer exec.Close()
//
//	err := exec.Execute(ctx, func(ctx context.Context, s *State) error {
//	    return s.DoStringContext(ctx, "hook(print, warn)")
//	})
type Executor struct {
	state  *State
	queue  chan *call
	closed atomic.Bool
	done   chan struct{}

	closeOnce sync.Once
}

// NewExecutor creates an Executor for state. queueSize bounds how many jobs
// can wait.
func NewExecutor(state *State, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Executor{
		state: state,
		queue: make(chan *call, queueSize),
		done:  make(chan struct{}),
	}
}

// Run processes jobs until ctx is cancelled or Close is called.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drainQueue(ctx.Err())
			return
		case <-e.done:
			e.drainQueue(ErrExecutorClosed)
			return
		case c := <-e.queue:
			if err := c.ctx.Err(); err != nil {
				c.result <- err
			} else {
				c.result <- e.execute(c)
			}
			close(c.result)
		}
	}
}

// execute runs a single job with panic recovery.
func (e *Executor) execute(c *call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = fmt.Errorf("lua panic: %w", rerr)
				return
			}
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return c.job(c.ctx, e.state)
}

func (e *Executor) drainQueue(err error) {
	for {
		select {
		case c := <-e.queue:
			c.result <- err
			close(c.result)
		default:
			return
		}
	}
}

// Execute runs job on the executor's goroutine and waits for it.
func (e *Executor) Execute(ctx context.Context, job Job) error {
	c, err := e.enqueue(ctx, job)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		// The job observes ctx and stops on its own.
		return ctx.Err()
	case err, ok := <-c.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	}
}

func (e *Executor) enqueue(ctx context.Context, job Job) (*call, error) {
	if e.closed.Load() {
		return nil, ErrExecutorClosed
	}
	if job == nil {
		return nil, errors.New("nil job")
	}
	c := &call{ctx: ctx, job: job, result: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrExecutorClosed
	case e.queue <- c:
		return c, nil
	}
}

// Close stops the executor. Queued jobs complete with ErrExecutorClosed.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// IsClosed returns true if the executor has been closed.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
