package component

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/cvmkit/errors"
)

// Invocation is one call crossing a connector. Arguments and results travel
// as JSON whether the peer is local or remote, so port code never depends on
// where the peer lives.
type Invocation struct {
	ID        string            `json:"id"`
	Port      string            `json:"port"`
	Operation string            `json:"operation"`
	Args      []json.RawMessage `json:"args,omitempty"`
	OneWay    bool              `json:"one_way,omitempty"`
}

// Arg returns argument i decoded into T
func Arg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i < 0 || i >= len(args) {
		return v, errors.WrapInvalid(fmt.Errorf("argument %d missing, got %d", i, len(args)),
			"Invocation", "Arg", "argument lookup")
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, errors.WrapInvalid(err, "Invocation", "Arg", fmt.Sprintf("decode argument %d", i))
	}
	return v, nil
}

// EncodeArgs marshals call arguments. Values already encoded as
// json.RawMessage are passed through.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Invocation", "EncodeArgs", fmt.Sprintf("encode argument %d", i))
		}
		out = append(out, b)
	}
	return out, nil
}

// Decode unmarshals a call result into T. A nil result decodes to the zero value.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errors.WrapInvalid(err, "Invocation", "Decode", "decode result")
	}
	return v, nil
}

// CallAs calls an operation on an outbound port and decodes its result
func CallAs[T any](ctx context.Context, p *Port, op string, args ...any) (T, error) {
	raw, err := p.Call(ctx, op, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](raw)
}

// OperationFunc implements one operation of an offered capability. Its
// result is marshalled to JSON for the caller.
type OperationFunc func(ctx context.Context, args []json.RawMessage) (any, error)

// Handlers maps operation names to their implementations
type Handlers map[string]OperationFunc
