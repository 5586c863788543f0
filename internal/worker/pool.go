// Package worker runs jobs on a fixed set of goroutines fed by a FIFO
// queue.
//
// The sync engine submits transport calls through a Pool so that the
// number of concurrent requests to the remote stays bounded no matter how
// many callers are active.
package worker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("worker: pool closed")

// Job is a unit of work. It receives the submitter's context.
type Job func(ctx context.Context) error

// Pool is a fixed-size worker pool.
//
// Thread-safety: Do may be called from any goroutine. Close must be
// called once, after which Do fails with ErrClosed.
type Pool struct {
	size  int
	queue *queue
	group errgroup.Group
}

// New starts a pool of size workers. size < 1 means 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{size: size, queue: newQueue()}
	for i := 0; i < size; i++ {
		p.group.Go(func() error {
			p.work()
			return nil
		})
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Pending returns the number of queued jobs not yet picked up.
func (p *Pool) Pending() int {
	return p.queue.len()
}

// Do runs fn on a worker and returns its error. Jobs start in submission
// order. If ctx ends first, Do returns ctx.Err(); a job that has not
// started yet is then skipped.
func (p *Pool) Do(ctx context.Context, fn Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if !p.queue.push(t) {
		return ErrClosed
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, lets queued jobs finish and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.queue.close()
	_ = p.group.Wait()
}

func (p *Pool) work() {
	for {
		if t, ok := p.queue.tryPop(); ok {
			t.done <- run(t)
			continue
		}
		if p.queue.drained() {
			return
		}
		<-p.queue.wait()
	}
}

// run executes one task, converting a panic into an error.
func run(t task) (err error) {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: job panicked: %v", r)
		}
	}()
	return t.fn(t.ctx)
}
