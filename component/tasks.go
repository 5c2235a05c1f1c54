package component

import (
	"context"
	"time"

	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/pkg/worker"
)

// RunTask submits a task to the default pool. Tasks are accepted only while
// the component is Executing or Finalising.
func (b *Base) RunTask(task worker.Task) (*worker.Future, error) {
	return b.RunTaskOn("", task)
}

// RunTaskOn submits a task to a named pool
func (b *Base) RunTaskOn(pool string, task worker.Task) (*worker.Future, error) {
	if err := b.checkScheduling(); err != nil {
		return nil, err
	}
	p, err := b.dispatchPool(pool)
	if err != nil {
		return nil, err
	}
	f, err := p.Submit(task)
	if err != nil {
		return nil, errors.WrapTransient(err, "Base", "RunTask", p.Name())
	}
	return f, nil
}

// RunTaskAndWait submits a task to a named pool and blocks until it finishes
func (b *Base) RunTaskAndWait(ctx context.Context, pool string, task worker.Task) error {
	f, err := b.RunTaskOn(pool, task)
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// ScheduleTask runs a task once after delay on the default schedulable pool
func (b *Base) ScheduleTask(delay time.Duration, task worker.Task) (*worker.Handle, error) {
	return b.ScheduleTaskOn(ScheduledPool, delay, task)
}

// ScheduleTaskOn runs a task once after delay on a named schedulable pool
func (b *Base) ScheduleTaskOn(pool string, delay time.Duration, task worker.Task) (*worker.Handle, error) {
	p, err := b.schedulablePool(pool)
	if err != nil {
		return nil, err
	}
	h, err := p.Schedule(delay, task)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Base", "ScheduleTask", p.Name())
	}
	return h, nil
}

// ScheduleTaskAtFixedRate runs a task periodically on the default
// schedulable pool until its handle is cancelled or the component shuts down.
func (b *Base) ScheduleTaskAtFixedRate(initialDelay, period time.Duration, task worker.Task) (*worker.Handle, error) {
	return b.ScheduleTaskAtFixedRateOn(ScheduledPool, initialDelay, period, task)
}

// ScheduleTaskAtFixedRateOn runs a task periodically on a named schedulable pool
func (b *Base) ScheduleTaskAtFixedRateOn(pool string, initialDelay, period time.Duration,
	task worker.Task) (*worker.Handle, error) {
	p, err := b.schedulablePool(pool)
	if err != nil {
		return nil, err
	}
	h, err := p.ScheduleAtFixedRate(initialDelay, period, task)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Base", "ScheduleTaskAtFixedRate", p.Name())
	}
	return h, nil
}

func (b *Base) schedulablePool(name string) (*worker.Pool, error) {
	if err := b.checkScheduling(); err != nil {
		return nil, err
	}
	p, err := b.dispatchPool(name)
	if err != nil {
		return nil, err
	}
	if !p.Schedulable() {
		return nil, errors.WrapInvalid(worker.ErrNotSchedulable, "Base", "schedulablePool", name)
	}
	return p, nil
}
