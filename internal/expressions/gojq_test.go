package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/conductor/pkg/schema"
)

func TestJQEngine_FieldProjection(t *testing.T) {
	e := NewJQEngine()
	input := map[string]any{
		"keep": map[string]any{"x": 1.0},
		"drop": "secret",
	}

	out, err := e.Evaluate(context.Background(), ".keep", input)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0}, out)
}

func TestJQEngine_Reshaping(t *testing.T) {
	e := NewJQEngine()
	input := map[string]any{
		"records": []any{
			map[string]any{"id": "a", "score": 3.0},
			map[string]any{"id": "b", "score": 8.0},
		},
	}

	out, err := e.Evaluate(context.Background(), `[.records[] | select(.score > 5) | .id]`, input)

	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out)
}

func TestJQEngine_NonObjectInput(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), ". + 1", 41)

	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestJQEngine_MultipleOutputsCollected(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), ".[]", []any{1.0, 2.0})

	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)
}

func TestJQEngine_NoOutputIsNil(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), "empty", map[string]any{})

	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQEngine_ParseError(t *testing.T) {
	e := NewJQEngine()

	_, err := e.Evaluate(context.Background(), ".[", nil)

	var cErr *schema.ConductorError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, schema.ErrCodeValidation, cErr.Code)
}

func TestJQEngine_EnvironBlocked(t *testing.T) {
	e := NewJQEngine()
	t.Setenv("JQ_SANDBOX_PROBE", "leaked")

	out, err := e.Evaluate(context.Background(), `$ENV.JQ_SANDBOX_PROBE`, map[string]any{})

	require.NoError(t, err)
	assert.Nil(t, out, "environment must not be visible to jq programs")
}
