package bpmn

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// dispatcher serializes command execution per scope key (process
// instance key, or root task key for standalone tasks) while commands
// for different keys run fully in parallel. One worker goroutine exists
// per key with queued work; the worker exits once its queue drains.
type dispatcher struct {
	mu      sync.Mutex
	workers map[int64]*scopeWorker
	wg      sync.WaitGroup
	stopped bool
	logger  hclog.Logger
}

type scopeWorker struct {
	key     int64
	jobs    chan scopeJob
	pending int // guarded by dispatcher.mu
}

type scopeJob struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error // nil for fire-and-forget jobs
}

const workerQueueSize = 32

func newDispatcher(logger hclog.Logger) *dispatcher {
	return &dispatcher{
		workers: make(map[int64]*scopeWorker),
		logger:  logger,
	}
}

// do runs fn on the worker for key and waits for its result. All calls
// with the same key are executed strictly one after another.
func (d *dispatcher) do(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	worker, err := d.submit(ctx, key, fn, true)
	if err != nil {
		return err
	}
	select {
	case err := <-worker:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue schedules fn on the worker for key without waiting. Used for
// cross-scope continuations (sub-process to parent and back) where
// waiting synchronously could deadlock two workers against each other.
func (d *dispatcher) enqueue(ctx context.Context, key int64, fn func(ctx context.Context) error) {
	_, err := d.submit(ctx, key, fn, false)
	if err != nil {
		d.logger.Error("failed to enqueue command", "key", key, "err", err)
	}
}

func (d *dispatcher) submit(ctx context.Context, key int64, fn func(ctx context.Context) error, wait bool) (chan error, error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, newEngineErrorf("engine is stopped")
	}
	worker, ok := d.workers[key]
	if !ok {
		worker = &scopeWorker{key: key, jobs: make(chan scopeJob, workerQueueSize)}
		d.workers[key] = worker
		d.wg.Add(1)
		go d.runWorker(worker)
	}
	worker.pending++
	d.mu.Unlock()

	var done chan error
	if wait {
		done = make(chan error, 1)
	}
	worker.jobs <- scopeJob{ctx: ctx, fn: fn, done: done}
	return done, nil
}

func (d *dispatcher) runWorker(worker *scopeWorker) {
	defer d.wg.Done()
	for {
		job := <-worker.jobs
		err := job.fn(job.ctx)
		if job.done != nil {
			job.done <- err
		} else if err != nil {
			d.logger.Error("asynchronous command failed", "key", worker.key, "err", err)
		}

		d.mu.Lock()
		worker.pending--
		if worker.pending == 0 {
			delete(d.workers, worker.key)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}

// stop rejects new submissions and waits for queued work to drain.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}
