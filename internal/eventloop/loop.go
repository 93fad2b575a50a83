// Package eventloop provides a fixed pool of event loops, each a goroutine
// running posted callbacks in order. The swarm supervisor assigns each
// session a loop by shard index at creation time; the protoo client and the
// auth HTTP client do not post their I/O callbacks through it.
package eventloop

import (
	"context"
	"runtime/debug"

	"github.com/breeze-rmm/loadtestbot/internal/logging"
)

var log = logging.L("eventloop")

// Loop is a single dedicated goroutine that runs callback functions in
// submission order.
type Loop struct {
	id    int
	tasks chan func(context.Context)
	done  chan struct{}
}

func newLoop(id int) *Loop {
	l := &Loop{
		id:    id,
		tasks: make(chan func(context.Context), 256),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// ID returns the loop's logical slot index.
func (l *Loop) ID() int {
	return l.id
}

// Post schedules fn to run on this loop's goroutine.
func (l *Loop) Post(fn func(ctx context.Context)) {
	select {
	case l.tasks <- fn:
	case <-l.done:
		log.Warn("post after loop stopped, dropped", "loop", l.id)
	}
}

func (l *Loop) run() {
	ctx := context.Background()
	for {
		select {
		case fn := <-l.tasks:
			l.runSafely(ctx, fn)
		case <-l.done:
			return
		}
	}
}

func (l *Loop) runSafely(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event loop callback panicked", "loop", l.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(ctx)
}

func (l *Loop) stop() {
	close(l.done)
}

// Pool is a fixed-size array of network event loops.
type Pool struct {
	loops []*Loop
}

// New builds a pool of n event loops.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	loops := make([]*Loop, n)
	for i := range loops {
		loops[i] = newLoop(i)
	}
	log.Info("event loop pool started", "loops", n)
	return &Pool{loops: loops}
}

// Len returns the number of loops in the pool.
func (p *Pool) Len() int {
	return len(p.loops)
}

// For returns the loop that shard k is assigned to.
func (p *Pool) For(shard int) *Loop {
	return p.loops[shard%len(p.loops)]
}

// Shutdown stops every loop in the pool.
func (p *Pool) Shutdown() {
	for _, l := range p.loops {
		l.stop()
	}
}
