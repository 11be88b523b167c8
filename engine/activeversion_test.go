package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/engine"
	"gitlab.com/lixql/engine/state"
)

func TestActiveVersionDefaultsToMain(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	result, errE := e.Execute(ctx, `SELECT version_id FROM lix_active_version`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, state.MainVersionID, result.Rows[0][0].Text)
}

func TestActiveVersionSwitchRejectsUnknownVersion(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx, `UPDATE lix_active_version SET version_id = 'does-not-exist'`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.Error(t, errE)
	assert.ErrorIs(t, errE, state.ErrVersionNotFound)
}

func TestActiveVersionSwitchRoutesWritesToNewVersion(t *testing.T) {
	e, mem := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx,
		`INSERT INTO lix_version (id, name, inherits_from_version_id, commit_id) VALUES ('feature', 'feature', 'main', 'root')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	_, errE = e.Execute(ctx, `UPDATE lix_active_version SET version_id = 'feature'`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	result, errE := e.Execute(ctx, `SELECT version_id FROM lix_active_version`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "feature", result.Rows[0][0].Text)

	_, errE = e.Execute(ctx,
		`INSERT INTO lix_json_pointer (path, value) VALUES ('/b', '2')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	table := `lix_internal_state_materialized_v1_json_pointer`
	row, errE := mem.Execute(ctx, `SELECT version_id FROM `+table+` WHERE entity_id = ?`,
		[]backend.Value{backend.TextValue("/b")})
	require.NoError(t, errE)
	require.Len(t, row.Rows, 1)
	assert.Equal(t, "feature", row.Rows[0][0].Text, "a write issued while the active version is 'feature' must land on 'feature', not 'main'")
}

// TestEntityReadInheritsAcrossVersionsAndTombstoneShadows exercises spec.md
// §8 Scenario 3 end to end: a row written on a parent version is visible
// through a child version that never wrote it, and a tombstone the child
// writes locally shadows that inherited row without touching the parent's.
func TestEntityReadInheritsAcrossVersionsAndTombstoneShadows(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx,
		`INSERT INTO lix_json_pointer (path, value) VALUES ('/a', '1')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	_, errE = e.Execute(ctx,
		`INSERT INTO lix_version (id, name, inherits_from_version_id, commit_id) VALUES ('feature', 'feature', 'main', 'root')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	_, errE = e.Execute(ctx, `UPDATE lix_active_version SET version_id = 'feature'`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	result, errE := e.Execute(ctx, `SELECT entity_id, path, value FROM lix_json_pointer WHERE entity_id = '/a'`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1, "a row recorded only on the parent version must be visible through an inheriting child")
	assert.Equal(t, "/a", result.Rows[0][0].Text)
	assert.Equal(t, "1", result.Rows[0][2].Text)

	_, errE = e.Execute(ctx, `DELETE FROM lix_json_pointer WHERE entity_id = '/a'`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	afterDelete, errE := e.Execute(ctx, `SELECT entity_id FROM lix_json_pointer WHERE entity_id = '/a'`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	assert.Empty(t, afterDelete.Rows, "a tombstone written on the child must shadow the inherited row")

	_, errE = e.Execute(ctx, `UPDATE lix_active_version SET version_id = 'main'`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	onMain, errE := e.Execute(ctx, `SELECT entity_id FROM lix_json_pointer WHERE entity_id = '/a'`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	require.Len(t, onMain.Rows, 1, "the child's tombstone must not affect the parent version's own row")
}

// TestSelectEntityViewForBuiltinPrefixedSchema regression-tests
// RewriteEntitySelect's schema lookup: a built-in schema whose x-lix-key
// keeps its lix_ prefix (lix_label) must resolve through the same
// prefix-retry lookupSchema every write path already uses, not a direct
// Registry.Lookup that only finds bare-suffix schemas.
func TestSelectEntityViewForBuiltinPrefixedSchema(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx,
		`INSERT INTO lix_label (id, name, commit_id) VALUES ('lbl-1', 'release-1', 'root')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	result, errE := e.Execute(ctx, `SELECT entity_id, name FROM lix_label WHERE entity_id = 'lbl-1'`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "release-1", result.Rows[0][1].Text)
}
