// Package unit defines the contract every pipeline step implements.
package unit

import (
	"context"
	"encoding/json"
)

// Unit is an independently schedulable step in a pipeline. Implementations
// receive the merged input (base input overlaid with one entry per completed
// dependency, keyed by the dependency's ID) and return their output as JSON.
//
// Expected failure modes are reported through the returned error, ideally a
// *schema.ConductorError so the retry executor can classify it. Execute must
// honor ctx cancellation; the scheduler enforces the declared per-attempt
// timeout and recovers panics, so a misbehaving unit cannot crash a run.
type Unit interface {
	ID() string
	Execute(ctx context.Context, input map[string]any) (json.RawMessage, error)
}

// Func adapts a plain function into a Unit.
type Func struct {
	Name string
	Fn   func(ctx context.Context, input map[string]any) (json.RawMessage, error)
}

func (f Func) ID() string { return f.Name }

func (f Func) Execute(ctx context.Context, input map[string]any) (json.RawMessage, error) {
	return f.Fn(ctx, input)
}
