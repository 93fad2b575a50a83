// Package executor implements a fixed pool of single-threaded task queues.
// Each load-test session is pinned to exactly one queue for its entire
// lifetime, so signaling callbacks that recurse back into the same queue
// never deadlock against themselves.
package executor

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/breeze-rmm/loadtestbot/internal/logging"
)

var log = logging.L("executor")

// Task is a unit of work submitted to a single-threaded queue.
type Task func(ctx context.Context)

// Result carries the outcome of a Submit call, mirroring a future.
type Result struct {
	Value any
	Err   error
}

type poolMarkerKey struct{}

// Pool is a single-threaded task queue. It owns exactly one worker goroutine
// that pops and runs tasks in FIFO order.
type Pool struct {
	id       int
	tasks    chan Task
	shutdown chan struct{}
	done     chan struct{}

	mu        sync.Mutex
	cond      *sync.Cond
	queueLen  int
	running   bool
	stopped   bool
}

func newPool(id int, queueSize int) *Pool {
	if queueSize < 1 {
		queueSize = 64
	}
	p := &Pool{
		id:       id,
		tasks:    make(chan Task, queueSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.loop()
	return p
}

// ThreadID returns the logical slot index of this queue, usable to assert
// that a callback is running on the expected pinned queue.
func (p *Pool) ThreadID() int {
	return p.id
}

// PushTask enqueues fn for asynchronous execution, unless ctx is already
// pinned to this pool (i.e. fn would be called from inside this pool's own
// worker goroutine), in which case fn runs inline immediately. Inline
// execution is what lets a signaling callback recurse back into the
// executor it is already running on without deadlocking.
func (p *Pool) PushTask(ctx context.Context, fn Task) {
	if marker, _ := ctx.Value(poolMarkerKey{}).(*Pool); marker == p {
		// Run directly, not through runTask: the outer task is still running
		// and owns the running/queueLen accounting WaitForTasks relies on.
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("task panicked", "pool", p.id, "panic", r, "stack", string(debug.Stack()))
				}
			}()
			fn(ctx)
		}()
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		log.Warn("task pushed after shutdown, dropped", "pool", p.id)
		return
	}
	p.queueLen++
	p.mu.Unlock()

	p.tasks <- fn
}

// Submit enqueues fn and returns a channel that receives its Result once it
// runs. The channel is always buffered by one and always eventually sent to.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) (any, error)) <-chan Result {
	out := make(chan Result, 1)
	task := func(taskCtx context.Context) {
		value, err := fn(taskCtx)
		out <- Result{Value: value, Err: err}
	}
	p.PushTask(ctx, task)
	return out
}

// WaitForTasks blocks until the queue is empty and no task is running.
func (p *Pool) WaitForTasks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queueLen > 0 || p.running {
		p.cond.Wait()
	}
}

// Shutdown drains the queue, stops accepting new tasks, and waits for the
// worker goroutine to exit.
func (p *Pool) Shutdown() {
	p.WaitForTasks()
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.shutdown)
	<-p.done
}

func (p *Pool) loop() {
	pinned := context.WithValue(context.Background(), poolMarkerKey{}, p)
	defer close(p.done)
	for {
		select {
		case task := <-p.tasks:
			p.runTask(pinned, task)
		case <-p.shutdown:
			for {
				select {
				case task := <-p.tasks:
					p.runTask(pinned, task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) runTask(ctx context.Context, task Task) {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("task panicked", "pool", p.id, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		task(ctx)
	}()

	p.mu.Lock()
	p.running = false
	if p.queueLen > 0 {
		p.queueLen--
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Array is a fixed-size set of single-threaded queues, sharded by index.
type Array struct {
	pools []*Pool
}

// NewArray builds a fixed array of n single-threaded queues.
func NewArray(n, queueSize int) *Array {
	if n < 1 {
		n = 1
	}
	pools := make([]*Pool, n)
	for i := range pools {
		pools[i] = newPool(i, queueSize)
	}
	log.Info("executor pool started", "queues", n)
	return &Array{pools: pools}
}

// Len returns the number of queues in the array.
func (a *Array) Len() int {
	return len(a.pools)
}

// For returns the queue that shard k is pinned to.
func (a *Array) For(shard int) *Pool {
	return a.pools[shard%len(a.pools)]
}

// WaitAll blocks until every queue in the array is idle.
func (a *Array) WaitAll() {
	for _, p := range a.pools {
		p.WaitForTasks()
	}
}

// Shutdown drains and stops every queue in the array.
func (a *Array) Shutdown() {
	for _, p := range a.pools {
		p.Shutdown()
	}
}
