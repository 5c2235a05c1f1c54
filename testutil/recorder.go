package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
)

// Recorder is a component that records its lifecycle hooks. Arguments of
// the form fail=<hook> make that hook fail; block=<duration> makes Execute
// leave a task running that ignores cancellation for that long.
type Recorder struct {
	*component.Base

	failIn string
	block  time.Duration

	mu     sync.Mutex
	events []string
}

// NewRecorder creates a recorder with one plain and one schedulable thread
func NewRecorder(rt *component.Runtime, uri string, args ...string) (*Recorder, error) {
	r := &Recorder{}
	for _, arg := range args {
		key, value, _ := strings.Cut(arg, "=")
		switch key {
		case "fail":
			r.failIn = value
		case "block":
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, errors.WrapInvalid(fmt.Errorf("%w: block=%q", errors.ErrInvalidConfig, value),
					"Recorder", "NewRecorder", "parse arguments")
			}
			r.block = d
		default:
			return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown argument %q", errors.ErrInvalidConfig, arg),
				"Recorder", "NewRecorder", "parse arguments")
		}
	}

	b, err := component.NewBase(rt, uri, 1, 1)
	if err != nil {
		return nil, err
	}
	r.Base = b
	return r, nil
}

func (r *Recorder) record(hook string) error {
	r.mu.Lock()
	r.events = append(r.events, hook)
	r.mu.Unlock()
	if r.failIn == hook {
		return fmt.Errorf("%s refused by %s", hook, r.URI())
	}
	return nil
}

// Start implements component.Starter
func (r *Recorder) Start(context.Context) error { return r.record("start") }

// Execute implements component.Executor
func (r *Recorder) Execute(context.Context) error {
	if err := r.record("execute"); err != nil {
		return err
	}
	if r.block > 0 {
		block := r.block
		_, err := r.RunTask(func(context.Context) error {
			time.Sleep(block)
			return nil
		})
		return err
	}
	return nil
}

// Finalise implements component.Finaliser
func (r *Recorder) Finalise(context.Context) error { return r.record("finalise") }

// Events returns the hooks run so far, in order
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}
