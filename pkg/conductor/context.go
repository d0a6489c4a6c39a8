package conductor

import (
	"encoding/json"
	"sync"

	"github.com/appforge/conductor/pkg/schema"
)

// ContextStore maps completed unit IDs to their output payloads. Payloads are
// opaque JSON; the store never inspects their shape. Entries are write-once
// per run.
type ContextStore struct {
	mu      sync.RWMutex
	outputs map[string]json.RawMessage
}

// NewContextStore creates an empty ContextStore.
func NewContextStore() *ContextStore {
	return &ContextStore{outputs: make(map[string]json.RawMessage)}
}

// Put records a unit's output. A second Put for the same unit within a run is
// a bookkeeping bug and is rejected.
func (c *ContextStore) Put(unitID string, output json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.outputs[unitID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "output for unit %s already recorded", unitID)
	}
	c.outputs[unitID] = output
	return nil
}

// Get returns a unit's output and whether it is present.
func (c *ContextStore) Get(unitID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[unitID]
	return out, ok
}

// Len returns the number of recorded outputs.
func (c *ContextStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.outputs)
}

// Reset discards all recorded outputs.
func (c *ContextStore) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = make(map[string]json.RawMessage)
}

// CollectInput assembles a unit's merged input: a copy of base overlaid with
// one entry per dependency present in the store, keyed by the dependency's ID.
// Empty outputs surface as nil; outputs that are not valid JSON documents are
// passed through as raw strings.
func (c *ContextStore) CollectInput(spec *schema.UnitSpec, base map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(spec.DependsOn))
	for k, v := range base {
		merged[k] = v
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, dep := range spec.DependsOn {
		raw, ok := c.outputs[dep]
		if !ok {
			continue
		}
		if len(raw) == 0 {
			merged[dep] = nil
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			merged[dep] = string(raw)
			continue
		}
		merged[dep] = v
	}
	return merged
}
