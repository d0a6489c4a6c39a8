package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/conductor/pkg/schema"
)

func TestExprEngine_Arithmetic(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "n * 2 + 1", map[string]any{"n": 20})

	require.NoError(t, err)
	assert.EqualValues(t, 41, out)
}

func TestExprEngine_CollectionOperations(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"items": []any{1.0, 2.0, 3.0, 4.0},
	}

	out, err := e.Evaluate(context.Background(), "filter(items, # > 2)", data)

	require.NoError(t, err)
	assert.Equal(t, []any{3.0, 4.0}, out)
}

func TestExprEngine_NilCoalescing(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, map[string]any{})

	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExprEngine_NestedAccess(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"fetch": map[string]any{"result": map[string]any{"total": 99.0}},
	}

	out, err := e.Evaluate(context.Background(), "fetch.result.total", data)

	require.NoError(t, err)
	assert.Equal(t, 99.0, out)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "n +* 2", map[string]any{"n": 1})

	var cErr *schema.ConductorError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, schema.ErrCodeValidation, cErr.Code)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)

	require.Error(t, err)
}

func TestExprEngine_NilDataAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "1 + 1", nil)

	require.NoError(t, err)
	assert.EqualValues(t, 2, out)
}
