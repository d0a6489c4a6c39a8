package conductor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/conductor/pkg/schema"
)

func TestContextStore_PutGet(t *testing.T) {
	cs := NewContextStore()

	require.NoError(t, cs.Put("a", json.RawMessage(`{"n":1}`)))

	out, ok := cs.Get("a")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(out))

	_, ok = cs.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, cs.Len())
}

func TestContextStore_WriteOnce(t *testing.T) {
	cs := NewContextStore()

	require.NoError(t, cs.Put("a", json.RawMessage(`1`)))
	err := cs.Put("a", json.RawMessage(`2`))

	var cErr *schema.ConductorError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, schema.ErrCodeConflict, cErr.Code)

	out, _ := cs.Get("a")
	assert.Equal(t, `1`, string(out), "first write must win")
}

func TestContextStore_Reset(t *testing.T) {
	cs := NewContextStore()
	require.NoError(t, cs.Put("a", json.RawMessage(`1`)))

	cs.Reset()

	assert.Equal(t, 0, cs.Len())
	require.NoError(t, cs.Put("a", json.RawMessage(`2`)), "reset must allow re-recording")
}

func TestContextStore_CollectInput_DiamondMerge(t *testing.T) {
	cs := NewContextStore()
	require.NoError(t, cs.Put("b", json.RawMessage(`{"from":"b"}`)))
	require.NoError(t, cs.Put("c", json.RawMessage(`{"from":"c"}`)))

	spec := &schema.UnitSpec{ID: "d", DependsOn: []string{"b", "c"}}
	merged := cs.CollectInput(spec, map[string]any{"base": true})

	assert.Equal(t, true, merged["base"])
	assert.Equal(t, map[string]any{"from": "b"}, merged["b"])
	assert.Equal(t, map[string]any{"from": "c"}, merged["c"])
}

func TestContextStore_CollectInput_MissingDepOmitted(t *testing.T) {
	cs := NewContextStore()
	spec := &schema.UnitSpec{ID: "b", DependsOn: []string{"a"}}

	merged := cs.CollectInput(spec, nil)

	_, present := merged["a"]
	assert.False(t, present)
}

func TestContextStore_CollectInput_NonJSONPassedAsString(t *testing.T) {
	cs := NewContextStore()
	require.NoError(t, cs.Put("a", json.RawMessage(`not json at all`)))

	spec := &schema.UnitSpec{ID: "b", DependsOn: []string{"a"}}
	merged := cs.CollectInput(spec, nil)

	assert.Equal(t, "not json at all", merged["a"])
}

func TestContextStore_CollectInput_EmptyOutputIsNil(t *testing.T) {
	cs := NewContextStore()
	require.NoError(t, cs.Put("a", nil))
	require.NoError(t, cs.Put("b", json.RawMessage{}))

	spec := &schema.UnitSpec{ID: "c", DependsOn: []string{"a", "b"}}
	merged := cs.CollectInput(spec, nil)

	va, present := merged["a"]
	require.True(t, present)
	assert.Nil(t, va)
	vb, present := merged["b"]
	require.True(t, present)
	assert.Nil(t, vb, "zero-byte output must not surface as an empty string")
}

func TestContextStore_CollectInput_DoesNotMutateBase(t *testing.T) {
	cs := NewContextStore()
	require.NoError(t, cs.Put("a", json.RawMessage(`1`)))

	base := map[string]any{"k": "v"}
	spec := &schema.UnitSpec{ID: "b", DependsOn: []string{"a"}}
	_ = cs.CollectInput(spec, base)

	assert.Equal(t, map[string]any{"k": "v"}, base)
}
