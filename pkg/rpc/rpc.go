package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/flowmusic/flow/pkg/ipc"
)

// ErrUnknownProcedure is returned by Invoke for a name nobody registered.
var ErrUnknownProcedure = errors.New("unknown procedure")

// Procedure is a named operation callable across the process boundary.
// args is the raw JSON sent by the caller and may be empty.
type Procedure func(ctx context.Context, args json.RawMessage) (any, error)

// Registry holds the procedures one side of the IPC channel exposes.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Procedure
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Procedure)}
}

// Register adds p under name, replacing an earlier registration.
func (r *Registry) Register(name string, p Procedure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = p
}

// Invoke runs the procedure named by call and returns its JSON encoded
// result.
func (r *Registry) Invoke(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
	r.mu.RLock()
	p, ok := r.procs[call.Procedure]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcedure, call.Procedure)
	}

	result, err := p(ctx, call.Args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call.Procedure, err)
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode result: %w", call.Procedure, err)
	}
	return data, nil
}

// Names returns the registered procedure names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Value wraps a getter with no arguments as a Procedure.
func Value[T any](get func() T) Procedure {
	return func(context.Context, json.RawMessage) (any, error) {
		return get(), nil
	}
}

// Decode unmarshals procedure arguments, treating empty args as the zero
// value.
func Decode[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("invalid arguments: %w", err)
	}
	return v, nil
}
