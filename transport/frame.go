// Package transport holds the frames remote invocations travel in and the
// serving logic shared by every transport. Concrete transports live in the
// websocket and natsrpc subpackages.
package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
)

// Request carries one invocation to a remote site
type Request struct {
	ID        string            `json:"id"`
	Port      string            `json:"port"`
	Operation string            `json:"operation"`
	Args      []json.RawMessage `json:"args,omitempty"`
	OneWay    bool              `json:"one_way,omitempty"`
}

// ErrorBody is the wire form of a remote failure
type ErrorBody struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// Reply answers a Request with the same ID
type Reply struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// NewRequest converts an invocation to its wire form
func NewRequest(inv *component.Invocation) Request {
	return Request{
		ID:        inv.ID,
		Port:      inv.Port,
		Operation: inv.Operation,
		Args:      inv.Args,
		OneWay:    inv.OneWay,
	}
}

// Invocation converts a request back to an invocation
func (r Request) Invocation() *component.Invocation {
	return &component.Invocation{
		ID:        r.ID,
		Port:      r.Port,
		Operation: r.Operation,
		Args:      r.Args,
		OneWay:    r.OneWay,
	}
}

// Serve dispatches the request to a port published by the local runtime.
// Only offered and two-way ports are reachable; requests naming a transport
// address are refused so that a site never relays calls to other sites.
func Serve(ctx context.Context, rt *component.Runtime, req Request) Reply {
	if _, ok := component.Scheme(req.Port); ok {
		return ErrorReply(req.ID, errors.WrapInvalid(fmt.Errorf("%w: %s is not a local port", errors.ErrPortNotFound, req.Port),
			"Transport", "Serve", "port lookup"))
	}
	endpoint, err := rt.LocalEndpoint(req.Port)
	if err != nil {
		return ErrorReply(req.ID, err)
	}
	value, err := endpoint.Accept(ctx, req.Invocation())
	if err != nil {
		return ErrorReply(req.ID, err)
	}
	return Reply{ID: req.ID, Value: value}
}

// ErrorReply encodes a failure, preserving its classification
func ErrorReply(id string, err error) Reply {
	return Reply{
		ID: id,
		Error: &ErrorBody{
			Class:   errors.Classify(err).String(),
			Message: err.Error(),
		},
	}
}

// Result turns a reply into the value or the typed remote failure returned
// to the caller of the required port.
func (r Reply) Result(port, operation string) (json.RawMessage, error) {
	if r.Error != nil {
		return nil, &errors.RemoteError{
			Port:      port,
			Operation: operation,
			Class:     errors.ParseErrorClass(r.Error.Class),
			Message:   r.Error.Message,
		}
	}
	return r.Value, nil
}

// IsRemote reports whether err came from the far side of a connector
func IsRemote(err error) bool {
	var re *errors.RemoteError
	return stderrors.As(err, &re)
}
