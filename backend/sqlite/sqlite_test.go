package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/backend/sqlite"
)

func openTestBackend(t *testing.T) *sqlite.Backend {
	t.Helper()
	b, errE := sqlite.Open(":memory:")
	require.NoError(t, errE)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func TestSqliteExecuteAndQuery(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, errE := b.Execute(ctx, `CREATE TABLE widgets (id TEXT PRIMARY KEY, qty INTEGER)`, nil)
	require.NoError(t, errE)

	_, errE = b.Execute(ctx, `INSERT INTO widgets (id, qty) VALUES (?, ?)`,
		[]backend.Value{backend.TextValue("w1"), backend.IntegerValue(5)})
	require.NoError(t, errE)

	result, errE := b.Execute(ctx, `SELECT id, qty FROM widgets WHERE id = ?`, []backend.Value{backend.TextValue("w1")})
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "w1", result.Rows[0][0].Text)
	assert.Equal(t, int64(5), result.Rows[0][1].Integer)
}

func TestSqliteTransactionRollback(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, errE := b.Execute(ctx, `CREATE TABLE widgets (id TEXT PRIMARY KEY)`, nil)
	require.NoError(t, errE)

	tx, errE := b.BeginTransaction(ctx)
	require.NoError(t, errE)
	_, errE = tx.Execute(ctx, `INSERT INTO widgets (id) VALUES (?)`, []backend.Value{backend.TextValue("w1")})
	require.NoError(t, errE)
	require.NoError(t, tx.Rollback(ctx))

	result, errE := b.Execute(ctx, `SELECT id FROM widgets`, nil)
	require.NoError(t, errE)
	assert.Empty(t, result.Rows)
}

func TestSqliteNoSuchTable(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, errE := b.Execute(ctx, `SELECT * FROM nope`, nil)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, backend.ErrNoSuchTable)
}

func TestSqliteDialect(t *testing.T) {
	b := openTestBackend(t)
	assert.Equal(t, backend.Sqlite, b.Dialect())
}
