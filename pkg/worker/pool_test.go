package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/c360/cvmkit/metric"
)

func startPool(t *testing.T, workers int, opts ...Option) *Pool {
	t.Helper()
	pool := NewPool("test", workers, opts...)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	t.Cleanup(func() { pool.StopNow() })
	return pool
}

func TestNewPool(t *testing.T) {
	pool := NewPool("p", 5, WithQueueSize(100))
	if pool.workers != 5 {
		t.Errorf("Expected 5 workers, got %d", pool.workers)
	}
	if pool.queueSize != 100 {
		t.Errorf("Expected queue size 100, got %d", pool.queueSize)
	}

	pool = NewPool("p", 0)
	if pool.workers != 1 {
		t.Errorf("Expected default 1 worker, got %d", pool.workers)
	}
	if pool.queueSize != defaultQueueSize {
		t.Errorf("Expected default queue size %d, got %d", defaultQueueSize, pool.queueSize)
	}
	if pool.Schedulable() {
		t.Error("Pool should not be schedulable by default")
	}
}

func TestPool_StartStop(t *testing.T) {
	var processed int64
	pool := NewPool("p", 2)

	if _, err := pool.Submit(func(context.Context) error { return nil }); !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("Expected ErrPoolNotStarted, got %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if err := pool.Start(context.Background()); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Errorf("Expected ErrPoolAlreadyStarted, got %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := pool.Submit(func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&processed, 1)
			return nil
		}); err != nil {
			t.Errorf("Failed to submit task %d: %v", i, err)
		}
	}

	// Stop drains queued tasks
	if err := pool.Stop(5 * time.Second); err != nil {
		t.Fatalf("Failed to stop pool: %v", err)
	}
	if got := atomic.LoadInt64(&processed); got != 5 {
		t.Errorf("Expected 5 processed tasks, got %d", got)
	}

	if _, err := pool.Submit(func(context.Context) error { return nil }); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	pool := startPool(t, 1, WithQueueSize(2))

	release := make(chan struct{})
	defer close(release)

	dropped := 0
	for i := 0; i < 6; i++ {
		if _, err := pool.Submit(func(context.Context) error {
			<-release
			return nil
		}); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}

	if dropped == 0 {
		t.Error("Expected some tasks to be dropped due to full queue")
	}
	if pool.Stats().Dropped == 0 {
		t.Error("Stats should show dropped tasks")
	}
}

func TestPool_SerializedExecution(t *testing.T) {
	pool := startPool(t, 1)

	const n = 50
	var (
		mu      sync.Mutex
		order   []int
		running int32
		overlap int32
	)

	// Submissions are serialized through a mutex so the expected order is known
	var submitMu sync.Mutex
	next := 0
	futures := make([]*Future, 0, n)

	var wg sync.WaitGroup
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/5; i++ {
				submitMu.Lock()
				id := next
				next++
				f, err := pool.Submit(func(context.Context) error {
					if atomic.AddInt32(&running, 1) > 1 {
						atomic.StoreInt32(&overlap, 1)
					}
					time.Sleep(100 * time.Microsecond)
					mu.Lock()
					order = append(order, id)
					mu.Unlock()
					atomic.AddInt32(&running, -1)
					return nil
				})
				if err == nil {
					futures = append(futures, f)
				}
				submitMu.Unlock()
				if err != nil {
					t.Errorf("Submit failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil {
			t.Fatalf("Task failed: %v", err)
		}
	}

	if atomic.LoadInt32(&overlap) != 0 {
		t.Error("Tasks overlapped on a single-worker pool")
	}
	if len(order) != n {
		t.Fatalf("Expected %d runs, got %d", n, len(order))
	}
	for i, id := range order {
		if id != i {
			t.Fatalf("Run %d executed task %d, want submission order", i, id)
		}
	}
}

func TestPool_TaskFailuresAndPanics(t *testing.T) {
	pool := startPool(t, 1)

	ctx := context.Background()
	err := pool.SubmitAndWait(ctx, func(context.Context) error { return errors.New("boom") })
	if err == nil || err.Error() != "boom" {
		t.Errorf("Expected task error, got %v", err)
	}

	err = pool.SubmitAndWait(ctx, func(context.Context) error { panic("kaboom") })
	if err == nil {
		t.Fatal("Expected panic to surface as error")
	}

	// The worker survives both
	if err := pool.SubmitAndWait(ctx, func(context.Context) error { return nil }); err != nil {
		t.Errorf("Worker did not survive failure: %v", err)
	}

	stats := pool.Stats()
	if stats.Processed != 3 || stats.Failed != 2 {
		t.Errorf("Expected 3 processed and 2 failed, got %+v", stats)
	}
}

func TestPool_ScheduleRequiresSchedulable(t *testing.T) {
	pool := startPool(t, 1)
	if _, err := pool.Schedule(time.Millisecond, func(context.Context) error { return nil }); !errors.Is(err, ErrNotSchedulable) {
		t.Errorf("Expected ErrNotSchedulable, got %v", err)
	}
}

func TestPool_Schedule(t *testing.T) {
	pool := startPool(t, 1, WithSchedulable())

	ran := make(chan time.Time, 1)
	start := time.Now()
	h, err := pool.Schedule(30*time.Millisecond, func(context.Context) error {
		ran <- time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	select {
	case at := <-ran:
		if at.Sub(start) < 30*time.Millisecond {
			t.Errorf("Task ran before its delay: %v", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Scheduled task never ran")
	}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Handle not done after single run")
	}
	if h.Runs() != 1 {
		t.Errorf("Expected 1 run, got %d", h.Runs())
	}
}

func TestPool_ScheduleCancelledBeforeRun(t *testing.T) {
	pool := startPool(t, 1, WithSchedulable())

	var runs int64
	h, err := pool.Schedule(50*time.Millisecond, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !h.Cancel() {
		t.Error("First Cancel should report true")
	}
	if h.Cancel() {
		t.Error("Second Cancel should report false")
	}

	time.Sleep(120 * time.Millisecond)
	if atomic.LoadInt64(&runs) != 0 {
		t.Errorf("Cancelled task ran %d times", runs)
	}
}

// Cancelling while the third run is executing lets that run finish and
// prevents runs four and five.
func TestPool_FixedRateCancellation(t *testing.T) {
	pool := startPool(t, 2, WithSchedulable())

	var completed int64
	inThird := make(chan struct{})
	release := make(chan struct{})

	h, err := pool.ScheduleAtFixedRate(0, 20*time.Millisecond, func(context.Context) error {
		n := atomic.LoadInt64(&completed) + 1
		if n == 3 {
			close(inThird)
			<-release
		}
		atomic.AddInt64(&completed, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("ScheduleAtFixedRate failed: %v", err)
	}

	select {
	case <-inThird:
	case <-time.After(2 * time.Second):
		t.Fatal("Third run never started")
	}

	h.Cancel()
	close(release)

	// Wait well past the time runs four and five would have fired
	time.Sleep(150 * time.Millisecond)

	if got := atomic.LoadInt64(&completed); got != 3 {
		t.Errorf("Expected exactly 3 completed runs, got %d", got)
	}
	if h.Runs() != 3 {
		t.Errorf("Handle reports %d runs, want 3", h.Runs())
	}
}

func TestPool_FixedRateNeverOverlaps(t *testing.T) {
	pool := startPool(t, 4, WithSchedulable())

	var running, overlap, runs int32
	h, err := pool.ScheduleAtFixedRate(0, time.Millisecond, func(context.Context) error {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&runs, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("ScheduleAtFixedRate failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	h.Cancel()

	if atomic.LoadInt32(&overlap) != 0 {
		t.Error("Runs of the same periodic task overlapped")
	}
	if atomic.LoadInt32(&runs) < 2 {
		t.Errorf("Expected several runs, got %d", runs)
	}
}

func TestPool_StopCancelsHandles(t *testing.T) {
	pool := NewPool("p", 1, WithSchedulable())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h, err := pool.ScheduleAtFixedRate(time.Hour, time.Hour, func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if pool.Stats().Scheduled != 1 {
		t.Errorf("Expected 1 scheduled handle")
	}

	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !h.Cancelled() {
		t.Error("Stop should cancel outstanding handles")
	}
	if pool.Stats().Scheduled != 0 {
		t.Error("Stop should forget outstanding handles")
	}
}

func TestPool_StopTimeout(t *testing.T) {
	pool := NewPool("p", 1)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	_, _ = pool.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	if err := pool.Stop(20 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Errorf("Expected ErrStopTimeout, got %v", err)
	}
	close(release)
}

func TestPool_StopNowDiscardsQueued(t *testing.T) {
	pool := NewPool("p", 1)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	_, _ = pool.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	queued, err := pool.Submit(func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}

	pool.StopNow()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := queued.Wait(ctx); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Expected queued task to fail with ErrPoolStopped, got %v", err)
	}
}

func TestPool_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	pool := startPool(t, 1, WithMetrics(reg.CoreMetrics(), "comp"))

	for i := 0; i < 3; i++ {
		if err := pool.SubmitAndWait(context.Background(), func(context.Context) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}

	m := reg.CoreMetrics()
	if got := testutil.ToFloat64(m.TasksSubmitted.WithLabelValues("comp", "test")); got != 3 {
		t.Errorf("Expected 3 submitted, got %v", got)
	}
	if got := testutil.ToFloat64(m.TasksCompleted.WithLabelValues("comp", "test", "success")); got != 3 {
		t.Errorf("Expected 3 completed, got %v", got)
	}
}
