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

func TestLixStateUnionsEveryInstalledSchema(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx, `INSERT INTO lix_json_pointer (path, value) VALUES ('/a', '1')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	_, errE = e.Execute(ctx, `INSERT INTO lix_label (id, name, commit_id) VALUES ('lbl-1', 'release-1', 'root')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	result, errE := e.Execute(ctx, `SELECT entity_id, schema_key, version_id, inherited_from_version_id FROM lix_state`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	var pointerRow, labelRow []backend.Value
	for _, row := range result.Rows {
		switch row[0].Text {
		case "/a":
			pointerRow = row
		case "lbl-1":
			labelRow = row
		}
	}
	require.NotNil(t, pointerRow, "lix_state must include a row written through the json_pointer plugin's own entity view")
	require.NotNil(t, labelRow, "lix_state must include a row from an unrelated schema_key in the same union")

	assert.Equal(t, "json_pointer", pointerRow[1].Text)
	assert.Equal(t, state.MainVersionID, pointerRow[2].Text)
	assert.True(t, pointerRow[3].IsNull(), "a row written directly on the active version has no inherited_from_version_id")

	assert.Equal(t, "lix_label", labelRow[1].Text)
}

func TestLixStateByVersionResolvesInheritedRowWithInheritedFromColumn(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx, `INSERT INTO lix_json_pointer (path, value) VALUES ('/a', '1')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	_, errE = e.Execute(ctx,
		`INSERT INTO lix_version (id, name, inherits_from_version_id, commit_id) VALUES ('feature', 'feature', 'main', 'root')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	result, errE := e.Execute(ctx,
		`SELECT entity_id, version_id, inherited_from_version_id FROM lix_state_by_version WHERE version_id = 'feature'`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	var row []backend.Value
	for _, r := range result.Rows {
		if r[0].Text == "/a" {
			row = r
		}
	}
	require.NotNil(t, row, "feature inherits main's rows through lix_state_by_version")
	assert.Equal(t, "feature", row[1].Text)
	assert.Equal(t, "main", row[2].Text, "the row was only ever written on main, so inherited_from_version_id names it")
}

func TestLixStateByVersionUnboundedPredicateFallsBackToActiveVersion(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx, `INSERT INTO lix_json_pointer (path, value) VALUES ('/a', '1')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	result, errE := e.Execute(ctx, `SELECT entity_id, version_id FROM lix_state_by_version`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	var row []backend.Value
	for _, r := range result.Rows {
		if r[0].Text == "/a" {
			row = r
		}
	}
	require.NotNil(t, row)
	assert.Equal(t, state.MainVersionID, row[1].Text)
}
