package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/chazu/goslang/pkg/bytecode"
	"github.com/chazu/goslang/vm"
)

var errWorkerStopped = errors.New("worker stopped")

// job represents a unit of work to be executed on the worker goroutine.
type job struct {
	ctx  context.Context
	fn   func(context.Context) (any, error)
	done chan jobResult
}

// jobResult holds the return value from a job.
type jobResult struct {
	value any
	err   error
}

// Worker executes runs one at a time on a dedicated goroutine. Each run
// owns its heap, so serializing them bounds memory to one heap at a time.
type Worker struct {
	jobs chan job
	quit chan struct{}
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker() *Worker {
	w := &Worker{
		jobs: make(chan job, 64),
		quit: make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes jobs sequentially.
func (w *Worker) loop() {
	for {
		select {
		case j := <-w.jobs:
			j.done <- w.execute(j)
		case <-w.quit:
			return
		}
	}
}

// execute runs a job, recovering from panics.
func (w *Worker) execute(j job) (result jobResult) {
	if err := j.ctx.Err(); err != nil {
		return jobResult{err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("worker panic: %v\n%s", r, debug.Stack())
			result = jobResult{err: fmt.Errorf("worker panic: %v", r)}
		}
	}()
	v, err := j.fn(j.ctx)
	return jobResult{value: v, err: err}
}

// Do submits fn for execution on the worker goroutine and blocks until it
// completes or ctx is done. Panics inside fn are returned as errors.
func (w *Worker) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	select {
	case <-w.quit:
		return nil, errWorkerStopped
	default:
	}
	j := job{ctx: ctx, fn: fn, done: make(chan jobResult, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, errWorkerStopped
	}
	select {
	case r := <-j.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, errWorkerStopped
	}
}

// Run executes prog on the worker.
func (w *Worker) Run(ctx context.Context, prog bytecode.Program, opts vm.Options) (*vm.Report, error) {
	v, err := w.Do(ctx, func(ctx context.Context) (any, error) {
		return vm.Run(ctx, prog, opts)
	})
	rep, _ := v.(*vm.Report)
	return rep, err
}

// Stop shuts down the worker goroutine.
func (w *Worker) Stop() {
	close(w.quit)
}
