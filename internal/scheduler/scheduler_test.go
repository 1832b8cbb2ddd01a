package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/scheduler"
)

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{Workers: 2, PromoteInterval: 10 * time.Millisecond}, zap.NewNop())
	t.Cleanup(s.Stop)
	return s
}

// TestPriorityOrdering checks that a HIGH priority job scheduled after a
// NORMAL one, both due now, runs first.
func TestPriorityOrdering(t *testing.T) {
	// A single worker, so no second worker can pick up A before B is queued.
	s := scheduler.New(scheduler.Config{Workers: 1, PromoteInterval: 10 * time.Millisecond}, zap.NewNop())
	t.Cleanup(s.Stop)

	var mu sync.Mutex
	var order []string

	block := make(chan struct{})
	s.Schedule("block", scheduler.Critical, func(ctx context.Context) bool {
		<-block
		return true
	}, "hold the only worker", 0, 0)

	s.Schedule("A", scheduler.Normal, func(ctx context.Context) bool {
		mu.Lock()
		order = append(order, "A")
		mu.Unlock()
		return true
	}, "normal job", 0, 0)
	s.Schedule("B", scheduler.High, func(ctx context.Context) bool {
		mu.Lock()
		order = append(order, "B")
		mu.Unlock()
		return true
	}, "high job", 0, 0)

	close(block)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"B", "A"}, order)
}

func TestScheduleRunsAndReportsSucceeded(t *testing.T) {
	s := newTestScheduler(t)
	done := make(chan struct{})
	id := s.Schedule("demo", scheduler.Normal, func(ctx context.Context) bool {
		close(done)
		return true
	}, "demo job", 0, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}

	require.Eventually(t, func() bool {
		st, ok := s.Status(id)
		return ok && st == scheduler.Succeeded
	}, time.Second, 5*time.Millisecond)
	require.True(t, s.IsHealthy())
}

func TestFailedJobIsTracked(t *testing.T) {
	s := newTestScheduler(t)
	id := s.Schedule("fails", scheduler.Normal, func(ctx context.Context) bool {
		return false
	}, "always fails", 0, 0)

	require.Eventually(t, func() bool {
		st, ok := s.Status(id)
		return ok && st == scheduler.Failed
	}, time.Second, 5*time.Millisecond)
}

func TestPanicInExecuteCountsAsFailure(t *testing.T) {
	s := newTestScheduler(t)
	id := s.Schedule("panics", scheduler.Normal, func(ctx context.Context) bool {
		panic("boom")
	}, "panics", 0, 0)

	require.Eventually(t, func() bool {
		st, ok := s.Status(id)
		return ok && st == scheduler.Failed
	}, time.Second, 5*time.Millisecond)
}

func TestCancelPendingJob(t *testing.T) {
	s := newTestScheduler(t)
	ran := make(chan struct{}, 1)
	id := s.Schedule("later", scheduler.Normal, func(ctx context.Context) bool {
		ran <- struct{}{}
		return true
	}, "delayed job", 200*time.Millisecond, 0)

	ok := s.Cancel(id)
	require.True(t, ok)

	select {
	case <-ran:
		t.Fatal("cancelled job must not run")
	case <-time.After(400 * time.Millisecond):
	}
	st, _ := s.Status(id)
	require.Equal(t, scheduler.Cancelled, st)
}

func TestAddRecurringPromotesOnTick(t *testing.T) {
	s := newTestScheduler(t)
	var n int
	var mu sync.Mutex
	s.AddRecurring("tick", 20*time.Millisecond, func(ctx context.Context) bool {
		mu.Lock()
		n++
		mu.Unlock()
		return true
	}, "recurring demo", scheduler.Low)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return n >= 2
	}, time.Second, 10*time.Millisecond)
}
