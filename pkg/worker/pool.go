package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/cvmkit/metric"
)

const (
	defaultQueueSize = 1024
)

// Task is a unit of work run by a pool worker
type Task func(ctx context.Context) error

// Pool is a named executor pool with a fixed number of workers draining a
// bounded FIFO queue. A pool with one worker runs its tasks one at a time in
// submission order. Schedulable pools additionally accept delayed and
// fixed-rate submissions.
type Pool struct {
	// Configuration
	name        string
	workers     int
	queueSize   int
	schedulable bool
	owner       string
	logger      *slog.Logger
	metrics     *metric.Metrics

	// Runtime state
	queue  chan *job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Lifecycle management
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	handlesMu sync.Mutex
	handles   map[*Handle]struct{}

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64
	dropped   int64
	skipped   int64
}

type job struct {
	task   Task
	future *Future
	handle *Handle
}

// Option represents a configuration option for the pool
type Option func(*Pool)

// WithQueueSize bounds the number of queued tasks
func WithQueueSize(size int) Option {
	return func(p *Pool) {
		if size > 0 {
			p.queueSize = size
		}
	}
}

// WithSchedulable marks the pool as accepting delayed and periodic tasks
func WithSchedulable() Option {
	return func(p *Pool) {
		p.schedulable = true
	}
}

// WithLogger sets the logger used for task failures
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records task throughput under the given owner label
func WithMetrics(m *metric.Metrics, owner string) Option {
	return func(p *Pool) {
		p.metrics = m
		p.owner = owner
	}
}

// NewPool creates a new pool. Workers below one default to one.
func NewPool(name string, workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}

	pool := &Pool{
		name:      name,
		workers:   workers,
		queueSize: defaultQueueSize,
		logger:    slog.Default(),
		handles:   make(map[*Handle]struct{}),
	}

	for _, opt := range opts {
		opt(pool)
	}

	pool.queue = make(chan *job, pool.queueSize)
	return pool
}

// Name returns the pool name
func (p *Pool) Name() string { return p.name }

// Workers returns the worker count
func (p *Pool) Workers() int { return p.workers }

// Schedulable reports whether delayed and periodic submissions are accepted
func (p *Pool) Schedulable() bool { return p.schedulable }

// Start starts the workers. The context bounds every task run by the pool.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.started = true
	return nil
}

// Submit queues a task for immediate execution. It never blocks: a full queue
// returns ErrQueueFull.
func (p *Pool) Submit(task Task) (*Future, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	j := &job{task: task, future: newFuture()}
	if err := p.enqueue(j); err != nil {
		return nil, err
	}
	return j.future, nil
}

// SubmitAndWait queues a task and blocks until it finishes or ctx is done.
// Calling it from a task of the same single-worker pool deadlocks.
func (p *Pool) SubmitAndWait(ctx context.Context, task Task) error {
	f, err := p.Submit(task)
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// Schedule runs a task once after delay
func (p *Pool) Schedule(delay time.Duration, task Task) (*Handle, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if err := p.checkSchedulable(); err != nil {
		return nil, err
	}

	h := p.newHandle(task, 0)
	h.arm(delay)
	return h, nil
}

// ScheduleAtFixedRate runs a task first after initialDelay and then every
// period. The next run is armed only when the previous one has finished, so
// runs of the same task never overlap; a late run is followed immediately by
// the next.
func (p *Pool) ScheduleAtFixedRate(initialDelay, period time.Duration, task Task) (*Handle, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if period <= 0 {
		return nil, fmt.Errorf("non-positive period %v", period)
	}
	if err := p.checkSchedulable(); err != nil {
		return nil, err
	}

	h := p.newHandle(task, period)
	h.arm(initialDelay)
	return h, nil
}

func (p *Pool) checkSchedulable() error {
	if !p.schedulable {
		return ErrNotSchedulable
	}
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool) enqueue(j *job) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- j:
		atomic.AddInt64(&p.submitted, 1)
		p.metrics.RecordTaskSubmitted(p.owner, p.name)
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		return ErrQueueFull
	}
}

// Stop cancels every scheduled handle, lets queued and in-flight tasks finish
// and waits up to timeout for the workers to exit.
func (p *Pool) Stop(timeout time.Duration) error {
	if !p.close() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// StopNow cancels every scheduled handle and the pool context without
// waiting. Tasks still queued are not run; their futures fail with
// ErrPoolStopped.
func (p *Pool) StopNow() {
	if !p.close() {
		p.lifecycleMu.Lock()
		cancel := p.cancel
		p.lifecycleMu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	p.cancel()
}

// close marks the pool stopped and closes the queue once. Returns false when
// the pool was never started or was already stopped.
func (p *Pool) close() bool {
	p.cancelHandles()

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return false
	}
	p.stopped = true
	close(p.queue)
	return true
}

func (p *Pool) cancelHandles() {
	p.handlesMu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for h := range p.handles {
		handles = append(handles, h)
	}
	p.handlesMu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// Stopped reports whether Stop or StopNow has been called
func (p *Pool) Stopped() bool {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	return p.stopped
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	p.handlesMu.Lock()
	scheduled := len(p.handles)
	p.handlesMu.Unlock()

	return PoolStats{
		Name:       p.name,
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Scheduled:  scheduled,
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Skipped:    atomic.LoadInt64(&p.skipped),
	}
}

// PoolStats represents pool statistics
type PoolStats struct {
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	QueueSize  int    `json:"queue_size"`
	QueueDepth int    `json:"queue_depth"`
	Scheduled  int    `json:"scheduled"`
	Submitted  int64  `json:"submitted"`
	Processed  int64  `json:"processed"`
	Failed     int64  `json:"failed"`
	Dropped    int64  `json:"dropped"`
	Skipped    int64  `json:"skipped"`
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drainStopped()
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(j)
		}
	}
}

// drainStopped fails the futures of tasks left in the queue after StopNow
func (p *Pool) drainStopped() {
	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			j.future.complete(ErrPoolStopped)
		default:
			return
		}
	}
}

func (p *Pool) run(j *job) {
	if p.ctx.Err() != nil {
		j.future.complete(ErrPoolStopped)
		return
	}
	if j.handle != nil && j.handle.Cancelled() {
		atomic.AddInt64(&p.skipped, 1)
		j.future.complete(ErrTaskCancelled)
		return
	}

	start := time.Now()
	err := p.safeRun(j.task)
	duration := time.Since(start)

	atomic.AddInt64(&p.processed, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("Task failed",
			"pool", p.name,
			"owner", p.owner,
			"error", err)
	}
	p.metrics.RecordTaskCompleted(p.owner, p.name, err, duration)

	j.future.complete(err)
	if j.handle != nil {
		j.handle.ran(start)
	}
}

// safeRun recovers task panics so a failing task never kills its worker
func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked",
				"pool", p.name,
				"owner", p.owner,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(p.ctx)
}

func (p *Pool) newHandle(task Task, period time.Duration) *Handle {
	h := &Handle{pool: p, task: task, period: period}
	p.handlesMu.Lock()
	p.handles[h] = struct{}{}
	p.handlesMu.Unlock()
	return h
}

func (p *Pool) forget(h *Handle) {
	p.handlesMu.Lock()
	delete(p.handles, h)
	p.handlesMu.Unlock()
}

// Future is the pending result of a submitted task
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed when the task has finished or was discarded
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task result. Only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle controls a delayed or periodic task. Cancel prevents every run not
// yet dequeued by a worker; a run already executing is never interrupted.
type Handle struct {
	pool   *Pool
	task   Task
	period time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	next      time.Time
	cancelled bool
	runs      int64
	done      chan struct{}
}

func (h *Handle) arm(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled {
		return
	}
	if h.done == nil {
		h.done = make(chan struct{})
	}
	if delay < 0 {
		delay = 0
	}
	h.next = time.Now().Add(delay)
	h.timer = time.AfterFunc(delay, h.fire)
}

func (h *Handle) fire() {
	if h.Cancelled() {
		return
	}
	err := h.pool.enqueue(&job{task: h.task, future: newFuture(), handle: h})
	if err != nil {
		h.pool.logger.Warn("Scheduled task not queued",
			"pool", h.pool.name,
			"owner", h.pool.owner,
			"error", err)
		h.finish()
	}
}

// ran re-arms a periodic handle after a completed run
func (h *Handle) ran(_ time.Time) {
	atomic.AddInt64(&h.runs, 1)

	if h.period <= 0 {
		h.finish()
		return
	}

	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.next = h.next.Add(h.period)
	delay := time.Until(h.next)
	if delay < 0 {
		delay = 0
		h.next = time.Now()
	}
	h.timer = time.AfterFunc(delay, h.fire)
	h.mu.Unlock()
}

func (h *Handle) finish() {
	h.mu.Lock()
	h.cancelled = true
	if h.done != nil {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
	h.mu.Unlock()
	h.pool.forget(h)
}

// Cancel prevents future runs. Returns false if the handle was already
// cancelled or had completed.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return false
	}
	h.cancelled = true
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.done != nil {
		close(h.done)
	}
	h.mu.Unlock()

	h.pool.forget(h)
	return true
}

// Cancelled reports whether the handle will run again
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Runs returns the number of completed runs
func (h *Handle) Runs() int64 {
	return atomic.LoadInt64(&h.runs)
}

// Done is closed once the handle is cancelled or its single run completed
func (h *Handle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		h.done = make(chan struct{})
	}
	return h.done
}
