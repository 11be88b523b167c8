package celexpr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/schema/celexpr"
)

func TestCompileAndEvalLiteral(t *testing.T) {
	e, errE := celexpr.Compile("true")
	require.NoError(t, errE)
	v, errE := e.Eval(nil)
	require.NoError(t, errE)
	assert.Equal(t, true, v)
}

func TestCompileAndEvalBinding(t *testing.T) {
	e, errE := celexpr.Compile(`self.k + "-suffix"`)
	require.NoError(t, errE)
	v, errE := e.Eval(map[string]any{"k": "a"})
	require.NoError(t, errE)
	assert.Equal(t, "a-suffix", v)
}

func TestCompileRejectsGarbage(t *testing.T) {
	_, errE := celexpr.Compile("this is not ) valid (")
	require.Error(t, errE)
	assert.ErrorIs(t, errE, celexpr.ErrCompile)
}

func TestMergeBindings(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	overrides := map[string]any{"b": 3, "c": 4}
	merged, errE := celexpr.MergeBindings(base, overrides)
	require.NoError(t, errE)
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, merged)
	// Base map must not be mutated.
	assert.Equal(t, 2, base["b"])
}
