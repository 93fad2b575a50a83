package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPostRunsOnLoopGoroutine(t *testing.T) {
	pool := New(2)
	defer pool.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotID int
	pool.For(0).Post(func(ctx context.Context) {
		gotID = pool.For(0).ID()
		wg.Done()
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if gotID != 0 {
			t.Fatalf("expected loop id 0, got %d", gotID)
		}
	case <-time.After(time.Second):
		t.Fatal("post never ran")
	}
}

func TestForShardsRoundRobin(t *testing.T) {
	pool := New(3)
	defer pool.Shutdown()

	if pool.For(0).ID() != 0 || pool.For(1).ID() != 1 || pool.For(2).ID() != 2 {
		t.Fatal("expected shards 0,1,2 to map to loops 0,1,2")
	}
	if pool.For(3).ID() != 0 {
		t.Fatal("expected shard 3 to wrap back to loop 0")
	}
}

func TestPanicInCallbackDoesNotKillLoop(t *testing.T) {
	pool := New(1)
	defer pool.Shutdown()

	pool.For(0).Post(func(ctx context.Context) {
		panic("boom")
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var ran bool
	pool.For(0).Post(func(ctx context.Context) {
		ran = true
		wg.Done()
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if !ran {
			t.Fatal("expected loop to survive panic and run next task")
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not survive panic")
	}
}
