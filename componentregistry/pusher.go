package componentregistry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/plugins/pushcontrol"
	"github.com/c360/cvmkit/testutil"
)

// PusherClass is the class identifier of Pusher
const PusherClass = "value-pusher"

// Pusher pushes start, start+1, ... to a value provider. It does nothing
// until started through its pushControl port.
type Pusher struct {
	*component.Base
	plugin *pushcontrol.Plugin
}

// NewPusher creates a pusher counting from start
func NewPusher(rt *component.Runtime, uri string, start int) (*Pusher, error) {
	b, err := component.NewBase(rt, uri, 1, 1)
	if err != nil {
		return nil, err
	}
	plugin := pushcontrol.New("", testutil.ValueCapability, "provide", func(_ context.Context, n int64) ([]any, error) {
		return []any{int64(start) + n}, nil
	})
	if err := b.InstallPlugin(plugin); err != nil {
		_ = component.ShutdownNow(b)
		return nil, err
	}
	return &Pusher{Base: b, plugin: plugin}, nil
}

func newPusherFromArgs(rt *component.Runtime, uri string, args []string) (component.Component, error) {
	start, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: start=%q", errors.ErrInvalidConfig, args[0]),
			"Pusher", "newPusherFromArgs", "parse start")
	}
	return NewPusher(rt, uri, start)
}

// ControlPort returns the URI of the pusher's pushControl port
func (p *Pusher) ControlPort() string { return pushcontrol.ControlPort(p.URI(), p.plugin.URI()) }

// OutputPort returns the URI of the port pushes leave through
func (p *Pusher) OutputPort() string { return pushcontrol.OutputPort(p.URI(), p.plugin.URI()) }

// Pushes returns the pushes done since the last start
func (p *Pusher) Pushes() int64 { return p.plugin.Pushes() }
