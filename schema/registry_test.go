package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/schema"
)

func TestRegistryInstallIsIdempotent(t *testing.T) {
	r := schema.NewRegistry()
	s, errE := schema.Parse([]byte(kvSchema))
	require.NoError(t, errE)

	needsTable, errE := r.Install(s)
	require.NoError(t, errE)
	assert.True(t, needsTable)

	_, errE = r.Install(s)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, schema.ErrAlreadyInstalled)
}

func TestRegistryLookup(t *testing.T) {
	r := schema.NewRegistry()
	s, errE := schema.Parse([]byte(kvSchema))
	require.NoError(t, errE)
	_, errE = r.Install(s)
	require.NoError(t, errE)

	got, errE := r.Lookup("kv", "")
	require.NoError(t, errE)
	assert.Same(t, s, got)

	_, errE = r.Lookup("missing", "")
	require.Error(t, errE)
	assert.ErrorIs(t, errE, schema.ErrUnknownSchema)
}

func TestRegistryLatestVersionWins(t *testing.T) {
	r := schema.NewRegistry()
	v1, errE := schema.Parse([]byte(kvSchema))
	require.NoError(t, errE)
	v2Doc := []byte(`{
		"type": "object",
		"additionalProperties": false,
		"x-lix-key": "kv",
		"x-lix-version": "2",
		"properties": {"k": {"type": "string"}}
	}`)
	v2, errE := schema.Parse(v2Doc)
	require.NoError(t, errE)

	_, errE = r.Install(v1)
	require.NoError(t, errE)
	_, errE = r.Install(v2)
	require.NoError(t, errE)

	latest, errE := r.Lookup("kv", "")
	require.NoError(t, errE)
	assert.Equal(t, "2", latest.Version)

	exact, errE := r.Lookup("kv", "1")
	require.NoError(t, errE)
	assert.Equal(t, "1", exact.Version)
}
