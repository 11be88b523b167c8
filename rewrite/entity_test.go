package rewrite_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/identifier"
	"gitlab.com/lixql/engine/rewrite"
	"gitlab.com/lixql/engine/schema"
)

const kvSchemaDoc = `{
  "x-lix-key": "kv",
  "x-lix-version": "1",
  "type": "object",
  "additionalProperties": false,
  "properties": {"k": {"type": "string"}, "v": {"type": "string"}},
  "x-lix-primary-key": ["/k"]
}`

func mustRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	s, errE := schema.Parse([]byte(kvSchemaDoc))
	require.NoError(t, errE)
	_, errE = reg.Install(s)
	require.NoError(t, errE)
	return reg
}

func TestEntityRewriterInsertProducesMutation(t *testing.T) {
	reg := mustRegistry(t)
	ids := identifier.NewDeterministicFactory(time.Unix(0, 0), 0)
	r := &rewrite.EntityRewriter{Registry: reg, IDs: ids}

	out, errE := r.RewriteInsert(`INSERT INTO lix_kv (k, v) VALUES ('a', '1')`, "global")
	require.NoError(t, errE)
	require.Len(t, out.Mutations, 1)

	m := out.Mutations[0]
	assert.Equal(t, "a", m.EntityID)
	assert.Equal(t, "kv", m.SchemaKey)
	assert.Equal(t, "global", m.VersionID)

	var content map[string]string
	require.NoError(t, json.Unmarshal(m.SnapshotContent, &content))
	assert.Equal(t, "a", content["k"])
	assert.Equal(t, "1", content["v"])
}

func TestEntityRewriterInsertMintsIDWithoutPrimaryKeyMatch(t *testing.T) {
	reg := mustRegistry(t)
	ids := identifier.NewDeterministicFactory(time.Unix(0, 0), 0)
	r := &rewrite.EntityRewriter{Registry: reg, IDs: ids}

	out, errE := r.RewriteInsert(`INSERT INTO lix_kv (v) VALUES ('1')`, "global")
	require.NoError(t, errE)
	require.Len(t, out.Mutations, 1)
	assert.NotEmpty(t, out.Mutations[0].EntityID)
}

func TestEntityRewriterUpdateMergesIntoExistingContent(t *testing.T) {
	reg := mustRegistry(t)
	ids := identifier.NewDeterministicFactory(time.Unix(0, 0), 0)
	r := &rewrite.EntityRewriter{Registry: reg, IDs: ids}

	out, errE := r.RewriteUpdate(`UPDATE lix_kv SET v = '2' WHERE k = 'a'`, "global", "a", "", map[string]any{"k": "a", "v": "1"})
	require.NoError(t, errE)
	require.Len(t, out.Mutations, 1)

	var content map[string]string
	require.NoError(t, json.Unmarshal(out.Mutations[0].SnapshotContent, &content))
	assert.Equal(t, "2", content["v"])
	assert.Equal(t, "a", content["k"])
}

func TestEntityRewriterDeleteProducesTombstoneMutation(t *testing.T) {
	reg := mustRegistry(t)
	ids := identifier.NewDeterministicFactory(time.Unix(0, 0), 0)
	r := &rewrite.EntityRewriter{Registry: reg, IDs: ids}

	out, errE := r.RewriteDelete(`DELETE FROM lix_kv WHERE k = 'a'`, "global", "a", "")
	require.NoError(t, errE)
	require.Len(t, out.Mutations, 1)
	assert.Nil(t, out.Mutations[0].SnapshotContent)
}

func TestEntityRewriterRejectsUnknownSchema(t *testing.T) {
	reg := schema.NewRegistry()
	ids := identifier.NewDeterministicFactory(time.Unix(0, 0), 0)
	r := &rewrite.EntityRewriter{Registry: reg, IDs: ids}

	_, errE := r.RewriteInsert(`INSERT INTO lix_kv (k, v) VALUES ('a', '1')`, "global")
	require.Error(t, errE)
}

func TestEntityRewriterRejectsMalformedInsert(t *testing.T) {
	reg := mustRegistry(t)
	ids := identifier.NewDeterministicFactory(time.Unix(0, 0), 0)
	r := &rewrite.EntityRewriter{Registry: reg, IDs: ids}

	_, errE := r.RewriteInsert(`INSERT INTO lix_kv (k, v) VALUES ('a')`, "global")
	require.Error(t, errE)
}
