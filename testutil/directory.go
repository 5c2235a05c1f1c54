package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c360/cvmkit/directory"
	"github.com/c360/cvmkit/errors"
)

// FlakyDirectory wraps a directory and starts failing every operation once
// a configured number of operations went through, the way a directory
// process that dies mid-deployment looks to its clients.
type FlakyDirectory struct {
	inner directory.Directory
	ops   atomic.Int64

	mu        sync.Mutex
	failAfter int64
}

// NewFlakyDirectory wraps inner. It does not fail until FailAfter is called.
func NewFlakyDirectory(inner directory.Directory) *FlakyDirectory {
	return &FlakyDirectory{inner: inner, failAfter: -1}
}

// FailAfter makes every operation after the next n fail
func (d *FlakyDirectory) FailAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAfter = d.ops.Load() + int64(n)
}

// Ops returns the number of operations attempted
func (d *FlakyDirectory) Ops() int64 { return d.ops.Load() }

func (d *FlakyDirectory) check(op, key string) error {
	n := d.ops.Add(1)
	d.mu.Lock()
	limit := d.failAfter
	d.mu.Unlock()
	if limit >= 0 && n > limit {
		return errors.WrapTransient(fmt.Errorf("%w: directory gone", errors.ErrConnectionLost), "FlakyDirectory", op, key)
	}
	return nil
}

// Put implements directory.Directory
func (d *FlakyDirectory) Put(ctx context.Context, key, value string) error {
	if err := d.check("Put", key); err != nil {
		return err
	}
	return d.inner.Put(ctx, key, value)
}

// Lookup implements directory.Directory
func (d *FlakyDirectory) Lookup(ctx context.Context, key string) (string, error) {
	if err := d.check("Lookup", key); err != nil {
		return "", err
	}
	return d.inner.Lookup(ctx, key)
}

// Remove implements directory.Directory
func (d *FlakyDirectory) Remove(ctx context.Context, key string) error {
	if err := d.check("Remove", key); err != nil {
		return err
	}
	return d.inner.Remove(ctx, key)
}
