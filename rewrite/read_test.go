package rewrite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/rewrite"
)

func TestReadRewriterStarProjectsDeclaredProperties(t *testing.T) {
	reg := mustRegistry(t)
	r := &rewrite.ReadRewriter{Registry: reg}

	stmt, errE := r.RewriteEntitySelect(`SELECT * FROM lix_kv`, "global")
	require.NoError(t, errE)
	assert.Contains(t, stmt.SQL, "lix_json_extract(snapshot_content, '$.k') AS k")
	assert.Contains(t, stmt.SQL, "is_tombstone = 0")
	assert.Contains(t, stmt.SQL, "schema_key = ?")
	require.Len(t, stmt.Params, 4)
}

func TestReadRewriterPrimaryKeyEqualityAddsFilter(t *testing.T) {
	reg := mustRegistry(t)
	r := &rewrite.ReadRewriter{Registry: reg}

	stmt, errE := r.RewriteEntitySelect(`SELECT * FROM lix_kv WHERE k = 'a'`, "global")
	require.NoError(t, errE)
	assert.Contains(t, stmt.SQL, "lix_json_extract(snapshot_content, '$.k') = ?")
	require.Len(t, stmt.Params, 5)
}

func TestReadRewriterRejectsNonPrimaryKeyPredicate(t *testing.T) {
	reg := mustRegistry(t)
	r := &rewrite.ReadRewriter{Registry: reg}

	_, errE := r.RewriteEntitySelect(`SELECT * FROM lix_kv WHERE v = '1'`, "global")
	require.Error(t, errE)
}
