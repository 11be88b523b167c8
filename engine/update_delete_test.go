package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/engine"
)

// TestExecuteUpdatesResolveTargetRow exercises spec.md §8 Scenario 2 end to
// end through Engine.Execute: an UPDATE's WHERE clause must resolve to the
// live row it names so the rewriter can merge the SET clause into that row's
// existing columns, instead of minting a new row with a blank entity_id and
// only the assigned column set.
func TestExecuteUpdatesResolveTargetRow(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx,
		`INSERT INTO lix_json_pointer (path, value) VALUES ('/a', '1')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	_, errE = e.Execute(ctx,
		`UPDATE lix_json_pointer SET value = '2' WHERE path = '/a'`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	result, errE := e.Execute(ctx, `SELECT entity_id, path, value FROM lix_json_pointer WHERE path = '/a'`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "/a", result.Rows[0][0].Text, "the update must target the row WHERE resolved to, not a fresh blank entity_id")
	assert.Equal(t, "/a", result.Rows[0][1].Text, "an unset column (path) must survive the update, not be dropped")
	assert.Equal(t, "2", result.Rows[0][2].Text)
}

// TestExecuteDeleteResolvesTargetRow exercises the DELETE half of spec.md §8
// Scenario 3: a DELETE's WHERE clause must resolve to the live row it names
// so the tombstone it writes actually shadows that row, instead of
// tombstoning a blank entity_id and leaving the real row untouched.
func TestExecuteDeleteResolvesTargetRow(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx,
		`INSERT INTO lix_json_pointer (path, value) VALUES ('/a', '1')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	_, errE = e.Execute(ctx,
		`DELETE FROM lix_json_pointer WHERE path = '/a'`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	result, errE := e.Execute(ctx, `SELECT path FROM lix_json_pointer WHERE path = '/a'`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	assert.Empty(t, result.Rows, "the delete must tombstone the row WHERE resolved to, not an unrelated blank entity_id")
}
