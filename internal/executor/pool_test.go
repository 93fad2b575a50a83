package executor

import (
	"context"
	"testing"
	"time"
)

func TestSubmitDeliversTaskResult(t *testing.T) {
	arr := NewArray(1, 8)
	defer arr.Shutdown()

	pool := arr.For(0)
	results := pool.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return pool.ThreadID(), nil
	})

	select {
	case r := <-results:
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		if r.Value.(int) != 0 {
			t.Fatalf("expected thread id 0, got %v", r.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("submit never completed")
	}
}

func TestPushTaskInlineExecutesWhenAlreadyPinned(t *testing.T) {
	arr := NewArray(1, 8)
	defer arr.Shutdown()

	pool := arr.For(0)
	order := make([]int, 0, 2)

	done := make(chan struct{})
	pool.PushTask(context.Background(), func(ctx context.Context) {
		order = append(order, 1)
		// Recursing through PushTask with the pinned ctx must run inline,
		// not deadlock waiting for this same worker to become free.
		pool.PushTask(ctx, func(ctx context.Context) {
			order = append(order, 2)
		})
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recursive PushTask deadlocked")
	}

	pool.WaitForTasks()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected inline execution in order [1 2], got %v", order)
	}
}

func TestWaitForTasksBlocksUntilQueueDrained(t *testing.T) {
	arr := NewArray(1, 8)
	defer arr.Shutdown()

	pool := arr.For(0)
	var ran bool
	pool.PushTask(context.Background(), func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		ran = true
	})

	pool.WaitForTasks()
	if !ran {
		t.Fatal("expected task to have run before WaitForTasks returned")
	}
}

func TestArrayShardingIsStable(t *testing.T) {
	arr := NewArray(3, 8)
	defer arr.Shutdown()

	if arr.For(0) != arr.For(3) {
		t.Fatal("expected shard 0 and shard 3 to resolve to the same pool (3 queues)")
	}
	if arr.For(1) == arr.For(2) {
		t.Fatal("expected shard 1 and shard 2 to resolve to different pools")
	}
}

func TestTaskPanicIsRecoveredAndWorkerSurvives(t *testing.T) {
	arr := NewArray(1, 8)
	defer arr.Shutdown()

	pool := arr.For(0)
	pool.PushTask(context.Background(), func(ctx context.Context) {
		panic("boom")
	})
	pool.WaitForTasks()

	results := pool.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return "alive", nil
	})
	select {
	case r := <-results:
		if r.Value != "alive" {
			t.Fatalf("expected worker to survive panic, got %v / %v", r.Value, r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
}
