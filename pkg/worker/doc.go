// Package worker provides the executor pools that run every task of a
// component: inbound port calls, internally scheduled work and plugin
// activity.
//
// # Overview
//
// A Pool is a fixed set of goroutines draining a bounded FIFO queue:
//   - One worker gives mutually exclusive execution in submission order
//   - N workers give parallel execution with no ordering guarantee
//   - Submit never blocks; a full queue returns ErrQueueFull
//   - Task failures and panics are recovered at the pool boundary, logged and
//     counted, and the worker keeps running
//
// Schedulable pools (WithSchedulable) also accept Schedule and
// ScheduleAtFixedRate, both returning a Handle:
//
//	h, err := pool.ScheduleAtFixedRate(0, time.Second, func(ctx context.Context) error {
//	    return push(ctx)
//	})
//	...
//	h.Cancel()
//
// Cancel never interrupts a run that is executing. It prevents every run not
// yet dequeued by a worker, so at most the in-flight run completes after it.
//
// # Shutdown
//
// Stop(timeout) cancels all handles, closes the queue, lets queued and
// in-flight tasks finish and waits up to timeout (ErrStopTimeout otherwise).
// StopNow cancels all handles and the pool context and returns at once;
// futures of tasks still queued fail with ErrPoolStopped.
//
// # Observability
//
// Statistics are always tracked with atomics (Stats). WithMetrics records the
// same counts into the runtime metric.Metrics under an owner label.
package worker
