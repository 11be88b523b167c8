package rewrite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/rewrite"
)

func TestValidatePhaseRejectsUnresolvedLogicalView(t *testing.T) {
	errE := rewrite.ValidatePhase(`SELECT * FROM lix_state WHERE entity_id = ?`)
	require.Error(t, errE)
}

func TestValidatePhaseAcceptsInternalTables(t *testing.T) {
	sql := `SELECT * FROM lix_internal_state_materialized_v1_kv WHERE schema_key = ? AND is_tombstone = 0`
	errE := rewrite.ValidatePhase(sql)
	assert.NoError(t, errE)
}

func TestValidatePhaseRejectsDuplicateAlias(t *testing.T) {
	sql := `SELECT a.x FROM t1 AS dup JOIN t2 AS dup ON true`
	errE := rewrite.ValidatePhase(sql)
	require.Error(t, errE)
}

func TestValidatePhaseRejectsMixedPlaceholders(t *testing.T) {
	sql := `SELECT * FROM lix_internal_state_materialized_v1_kv WHERE schema_key = ? AND is_tombstone = 0 AND entity_id = $1`
	errE := rewrite.ValidatePhase(sql)
	require.Error(t, errE)
}

func TestValidatePhaseRequiresTombstoneFilterOnMaterializedReference(t *testing.T) {
	sql := `SELECT * FROM lix_internal_state_materialized_v1_kv WHERE schema_key = ?`
	errE := rewrite.ValidatePhase(sql)
	require.Error(t, errE)
}

func TestValidatePhaseExemptsChangeAndCommitSchemas(t *testing.T) {
	sql := `SELECT * FROM lix_internal_state_materialized_v1_lix_change`
	errE := rewrite.ValidatePhase(sql)
	assert.NoError(t, errE)
}
