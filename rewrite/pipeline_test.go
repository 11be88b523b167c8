package rewrite_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/identifier"
	"gitlab.com/lixql/engine/rewrite"
)

func TestPipelineCompilesEntityInsert(t *testing.T) {
	reg := mustRegistry(t)
	ids := identifier.NewDeterministicFactory(time.Unix(0, 0), 0)
	p := rewrite.New(reg, ids)

	compiled, errE := p.Compile(`INSERT INTO lix_kv (k, v) VALUES ('a', '1')`, "global", nil)
	require.NoError(t, errE)
	require.NotNil(t, compiled.Write)
	require.Len(t, compiled.Write.Mutations, 1)
	assert.Equal(t, "a", compiled.Write.Mutations[0].EntityID)
}

func TestPipelineCompilesEntitySelect(t *testing.T) {
	reg := mustRegistry(t)
	ids := identifier.NewDeterministicFactory(time.Unix(0, 0), 0)
	p := rewrite.New(reg, ids)

	compiled, errE := p.Compile(`SELECT * FROM lix_kv`, "global", nil)
	require.NoError(t, errE)
	require.NotNil(t, compiled.Read)
	assert.Contains(t, compiled.Lowered, "is_tombstone = 0")
}

func TestPipelineRejectsUnknownSchemaWrite(t *testing.T) {
	reg := mustRegistry(t)
	ids := identifier.NewDeterministicFactory(time.Unix(0, 0), 0)
	p := rewrite.New(reg, ids)

	_, errE := p.Compile(`INSERT INTO lix_missing (k) VALUES ('a')`, "global", nil)
	require.Error(t, errE)
}
