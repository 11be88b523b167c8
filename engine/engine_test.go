package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/engine"
	"gitlab.com/lixql/engine/state"
)

func bootAndInit(t *testing.T) (*engine.Engine, backend.Backend) {
	t.Helper()
	mem := backend.NewMemory()
	e, errE := engine.Boot(engine.BootConfig{Backend: mem, Deterministic: true}) //nolint:exhaustruct
	require.NoError(t, errE)
	require.NoError(t, e.Init(context.Background()))
	return e, mem
}

func TestInitInstallsBuiltinSchemas(t *testing.T) {
	e, _ := bootAndInit(t)
	assert.True(t, e.Registry().Has("lix_version_descriptor"))
	assert.True(t, e.Registry().Has("lix_version_pointer"))
	assert.True(t, e.Registry().Has("lix_commit"))
	assert.True(t, e.Registry().Has("lix_label"))
}

func TestInitSeedsBootstrapCommit(t *testing.T) {
	_, mem := bootAndInit(t)
	ctx := context.Background()

	result, errE := mem.Execute(ctx, `SELECT id, change_set_id FROM lix_internal_commit WHERE id = ?`,
		[]backend.Value{backend.TextValue(state.BootstrapCommitID)})
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, state.BootstrapCommitID, result.Rows[0][0].Text)
	assert.Equal(t, state.BootstrapCommitID, result.Rows[0][1].Text)

	ancestry, errE := mem.Execute(ctx, `SELECT depth FROM lix_internal_commit_ancestry WHERE commit_id = ? AND ancestor_id = ?`,
		[]backend.Value{backend.TextValue(state.BootstrapCommitID), backend.TextValue(state.BootstrapCommitID)})
	require.NoError(t, errE)
	require.Len(t, ancestry.Rows, 1)
	assert.EqualValues(t, 0, ancestry.Rows[0][0].Integer)
}

func TestInitSeedsGlobalAndMainVersions(t *testing.T) {
	_, mem := bootAndInit(t)
	ctx := context.Background()

	descTable := `lix_internal_state_materialized_v1_lix_version_descriptor`
	pointerTable := `lix_internal_state_materialized_v1_lix_version_pointer`

	for _, id := range []string{state.GlobalVersionID, state.MainVersionID} {
		result, errE := mem.Execute(ctx, `SELECT entity_id, snapshot_content FROM `+descTable+` WHERE entity_id = ?`,
			[]backend.Value{backend.TextValue(id)})
		require.NoError(t, errE)
		require.Len(t, result.Rows, 1)

		var desc map[string]any
		require.NoError(t, json.Unmarshal(result.Rows[0][1].Blob, &desc))
		assert.Equal(t, id, desc["id"])
	}

	mainResult, errE := mem.Execute(ctx, `SELECT entity_id, snapshot_content FROM `+descTable+` WHERE entity_id = ?`,
		[]backend.Value{backend.TextValue(state.MainVersionID)})
	require.NoError(t, errE)
	require.Len(t, mainResult.Rows, 1)
	var mainDesc map[string]any
	require.NoError(t, json.Unmarshal(mainResult.Rows[0][1].Blob, &mainDesc))
	assert.Equal(t, state.GlobalVersionID, mainDesc["inherits_from_version_id"])

	for _, id := range []string{state.GlobalVersionID, state.MainVersionID} {
		result, errE := mem.Execute(ctx, `SELECT entity_id, snapshot_content FROM `+pointerTable+` WHERE entity_id = ?`,
			[]backend.Value{backend.TextValue(id)})
		require.NoError(t, errE)
		require.Len(t, result.Rows, 1)

		var ptr map[string]any
		require.NoError(t, json.Unmarshal(result.Rows[0][1].Blob, &ptr))
		assert.Equal(t, state.BootstrapCommitID, ptr["commit_id"])
		assert.NotEqual(t, state.BootstrapCommitID, ptr["working_commit_id"])
	}
}

func TestInitIsIdempotent(t *testing.T) {
	e, mem := bootAndInit(t)
	require.NoError(t, e.Init(context.Background()))

	result, errE := mem.Execute(context.Background(), `SELECT id FROM lix_internal_commit WHERE id = ?`,
		[]backend.Value{backend.TextValue(state.BootstrapCommitID)})
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
}

func TestBootRequiresBackend(t *testing.T) {
	_, errE := engine.Boot(engine.BootConfig{}) //nolint:exhaustruct
	require.Error(t, errE)
}

func TestExecuteInsertAdvancesMainVersionPointer(t *testing.T) {
	e, mem := bootAndInit(t)
	ctx := context.Background()

	pointerTable := `lix_internal_state_materialized_v1_lix_version_pointer`
	before, errE := mem.Execute(ctx, `SELECT entity_id, snapshot_content FROM `+pointerTable+` WHERE entity_id = ?`,
		[]backend.Value{backend.TextValue(state.MainVersionID)})
	require.NoError(t, errE)
	require.Len(t, before.Rows, 1)
	var beforePtr map[string]any
	require.NoError(t, json.Unmarshal(before.Rows[0][1].Blob, &beforePtr))

	_, errE = e.Execute(ctx,
		`INSERT INTO lix_label (id, name, commit_id) VALUES ('lbl-1', 'release-1', 'root')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	labelTable := `lix_internal_state_materialized_v1_lix_label`
	result, errE := mem.Execute(ctx, `SELECT entity_id, snapshot_content FROM `+labelTable+` WHERE entity_id = ?`,
		[]backend.Value{backend.TextValue("lbl-1")})
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	var label map[string]any
	require.NoError(t, json.Unmarshal(result.Rows[0][1].Blob, &label))
	assert.Equal(t, "release-1", label["name"])

	after, errE := mem.Execute(ctx, `SELECT entity_id, snapshot_content FROM `+pointerTable+` WHERE entity_id = ?`,
		[]backend.Value{backend.TextValue(state.MainVersionID)})
	require.NoError(t, errE)
	require.Len(t, after.Rows, 1)
	var afterPtr map[string]any
	require.NoError(t, json.Unmarshal(after.Rows[0][1].Blob, &afterPtr))

	assert.NotEqual(t, beforePtr["commit_id"], afterPtr["commit_id"])
	assert.NotEqual(t, beforePtr["working_commit_id"], afterPtr["working_commit_id"])
}

func TestExecuteRejectsDirectInternalTableAccess(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx, `SELECT id FROM lix_internal_commit WHERE id = 'root'`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.Error(t, errE)
	assert.ErrorIs(t, errE, engine.ErrInternalTableAccess)
}
