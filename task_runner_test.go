package shopmesh

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
)

func TestTaskRunnerBoundsConcurrency(t *testing.T) {
	const maxThreads = 3
	tr := NewTaskRunner(context.Background(), maxThreads)

	var running, peak int32
	for i := 0; i < 20; i++ {
		tr.Go(func() error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			atomic.AddInt32(&running, -1)
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		t.Fatal(err.Error())
	}
	if got := atomic.LoadInt32(&peak); got > maxThreads+1 {
		t.Fatalf("observed %d concurrent tasks, want at most %d in flight", got, maxThreads+1)
	}
}

func TestTaskRunnerCollectsFirstError(t *testing.T) {
	tr := NewTaskRunner(context.Background(), 2)
	want := fmt.Errorf("task failed")
	tr.Go(func() error { return nil })
	tr.Go(func() error { return want })
	tr.Go(func() error { return nil })
	if err := tr.Wait(); err != want {
		t.Fatalf("got %v, want the task error", err)
	}
}
