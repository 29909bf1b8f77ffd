package entity

import (
	"context"
	"encoding/json"
	"fmt"
)

// Operation is one remotely callable endpoint of an entity. Operations run
// on the caller's request goroutine, not on the loop; they reach state
// through Read and Update.
type Operation struct {
	Name string
	call func(ctx context.Context, args []json.RawMessage) (any, error)
}

// invoke runs the operation, turning a panic into an error.
func (o Operation) invoke(ctx context.Context, args []json.RawMessage) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%s: panic: %w", o.Name, e)
				return
			}
			err = fmt.Errorf("%s: panic: %v", o.Name, r)
		}
	}()
	return o.call(ctx, args)
}

// arg decodes args[i] into a T. Missing arguments decode to T's zero value.
func arg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) || len(args[i]) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}

// Action declares an operation that takes no arguments and returns nothing.
func Action(name string, fn func(ctx context.Context) error) Operation {
	return Operation{Name: name, call: func(ctx context.Context, _ []json.RawMessage) (any, error) {
		return nil, fn(ctx)
	}}
}

func Op0[R any](name string, fn func(ctx context.Context) (R, error)) Operation {
	return Operation{Name: name, call: func(ctx context.Context, _ []json.RawMessage) (any, error) {
		return fn(ctx)
	}}
}

func Op1[A, R any](name string, fn func(ctx context.Context, a A) (R, error)) Operation {
	return Operation{Name: name, call: func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}}
}

func Op2[A, B, R any](name string, fn func(ctx context.Context, a A, b B) (R, error)) Operation {
	return Operation{Name: name, call: func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}}
}
