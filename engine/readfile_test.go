package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/engine"
)

func TestExecuteReadsFileDataAfterInsert(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx,
		`INSERT INTO lix_file (id, path, data) VALUES ('f1', '/x.json', '{"a":{"b":1}}')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	result, errE := e.Execute(ctx, `SELECT data FROM lix_file WHERE id = 'f1'`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	assert.JSONEq(t, `{"a":{"b":1}}`, string(result.Rows[0][0].Blob))
}

func TestExecuteReadsFileDataAfterUpdate(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	_, errE := e.Execute(ctx,
		`INSERT INTO lix_file (id, path, data) VALUES ('f1', '/x.json', '{"a":{"b":1}}')`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	_, errE = e.Execute(ctx,
		`UPDATE lix_file SET data = '{"a":{"b":2}}' WHERE id = 'f1'`,
		nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)

	result, errE := e.Execute(ctx, `SELECT id, path, data FROM lix_file WHERE id = 'f1'`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "f1", result.Rows[0][0].Text)
	assert.Equal(t, "/x.json", result.Rows[0][1].Text)
	assert.JSONEq(t, `{"a":{"b":2}}`, string(result.Rows[0][2].Blob))
}

func TestExecuteFileSelectMissingIDReturnsNoRows(t *testing.T) {
	e, _ := bootAndInit(t)
	ctx := context.Background()

	result, errE := e.Execute(ctx, `SELECT data FROM lix_file WHERE id = 'missing'`, nil, engine.ExecuteOptions{}) //nolint:exhaustruct
	require.NoError(t, errE)
	assert.Empty(t, result.Rows)
}
