// executor.go - the FIFO single-flight task queue with pre-ready buffering
// (spec.md §4.7).
//
// Grounded on the teacher's whole-wrapper design of serializing every call
// behind a single driver handle — the closest the teacher gets to "one
// operation at a time" — generalized into an explicit queue. The concrete
// mechanism (buffered channel FIFO drained by one goroutine holding a
// weight-1 semaphore) is grounded on golang.org/x/sync, a dependency the
// teacher already carries indirectly and AKJUS-bsc-erigon carries directly.
//
// The source's "deferred-tick" scheduling exists to keep a long chain of
// re-entrant pushes from recursing on a single JavaScript call stack;
// dispatching through a channel to a dedicated goroutine sidesteps that
// problem structurally, so no equivalent trampoline is needed here.
package nanodb

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type execTask struct {
	fn func()
}

// Executor runs pushed tasks one at a time, in the order they become ready.
// Tasks pushed before the store finishes loading are held in a buffer and
// released, in order, by ProcessBuffer.
type Executor struct {
	sem   *semaphore.Weighted
	queue chan execTask

	mu     sync.Mutex
	ready  bool
	buffer []execTask
	closed bool
}

// NewExecutor starts a worker goroutine and returns a not-yet-ready
// Executor. Call SetReady or ProcessBuffer once the store has finished (or
// skipped) loading.
func NewExecutor() *Executor {
	e := &Executor{
		sem:   semaphore.NewWeighted(1),
		queue: make(chan execTask, 256),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	ctx := context.Background()
	for t := range e.queue {
		_ = e.sem.Acquire(ctx, 1)
		t.fn()
		e.sem.Release(1)
	}
}

// Push enqueues fn. Before the store is ready, fn is held in the pre-ready
// buffer unless force is set (used to enqueue the load operation itself, so
// it can run despite nothing else being allowed to yet). It reports whether
// fn was accepted; false means the executor is closed and fn will never run.
func (e *Executor) Push(fn func(), force bool) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if !e.ready && !force {
		e.buffer = append(e.buffer, execTask{fn: fn})
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()
	e.queue <- execTask{fn: fn}
	return true
}

// ProcessBuffer marks the executor ready and drains whatever accumulated in
// the pre-ready buffer, in original order, onto the live queue.
func (e *Executor) ProcessBuffer() {
	e.mu.Lock()
	buffered := e.buffer
	e.buffer = nil
	e.ready = true
	e.mu.Unlock()
	for _, t := range buffered {
		e.queue <- t
	}
}

// SetReady marks the executor ready without draining a buffer, for
// in-memory-only stores that start ready immediately.
func (e *Executor) SetReady() {
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
}

// Close stops accepting new tasks. Already-queued tasks still run.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.queue)
}
