// Package expressions hosts the three sandboxed expression engines the
// scheduler evaluates unit specs with: CEL for boolean condition guards, expr
// for input_map value derivation, and jq for export output projection. Each
// engine caches compiled programs, so re-evaluating the same expression across
// units and runs pays compilation once.
package expressions

import "context"

// Engine is the common surface of the condition and input_map engines. The jq
// engine is excluded: its input is the unit's output document, not a map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
