package worker

import "errors"

// Sentinel errors for executor pool operations
var (
	// ErrPoolNotStarted indicates the pool hasn't been started yet
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped indicates the pool has been stopped
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted indicates Start() was called on an already-started pool
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull indicates the task queue is at capacity
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrNilTask indicates a nil task function was submitted
	ErrNilTask = errors.New("task function cannot be nil")

	// ErrStopTimeout indicates the pool didn't stop within the timeout
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")

	// ErrNotSchedulable indicates a delayed or periodic submission to a plain pool
	ErrNotSchedulable = errors.New("worker pool is not schedulable")

	// ErrTaskCancelled is the result of a future whose handle was cancelled
	// before its run was dequeued
	ErrTaskCancelled = errors.New("task cancelled")
)
